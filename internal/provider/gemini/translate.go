package gemini

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/capgate/internal"
)

// generateRequest is the generateContent request body.
type generateRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	FrequencyPenalty *float64 `json:"frequencyPenalty,omitempty"`
	PresencePenalty  *float64 `json:"presencePenalty,omitempty"`
}

// translateRequest maps a uniform text request to generateContent.
// Assistant turns become role "model"; system turns move into
// systemInstruction.
func translateRequest(req *gateway.TextRequest) *generateRequest {
	out := &generateRequest{}
	if req.Temperature != nil || req.TopP != nil || req.MaxTokens != nil || len(req.Stop) > 0 ||
		req.FrequencyPenalty != nil || req.PresencePenalty != nil {
		out.GenerationConfig = &generationConfig{
			Temperature:      req.Temperature,
			TopP:             req.TopP,
			MaxOutputTokens:  req.MaxTokens,
			StopSequences:    req.Stop,
			FrequencyPenalty: req.FrequencyPenalty,
			PresencePenalty:  req.PresencePenalty,
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if out.SystemInstruction == nil {
				out.SystemInstruction = &content{}
			}
			out.SystemInstruction.Parts = append(out.SystemInstruction.Parts, part{Text: m.Content})
		case "assistant":
			out.Contents = append(out.Contents, content{Role: "model", Parts: []part{{Text: m.Content}}})
		default:
			out.Contents = append(out.Contents, content{Role: "user", Parts: []part{{Text: m.Content}}})
		}
	}
	return out
}

// candidateText concatenates the text parts of the first candidate.
func candidateText(r gjson.Result) string {
	var b strings.Builder
	r.Get("candidates.0.content.parts").ForEach(func(_, p gjson.Result) bool {
		b.WriteString(p.Get("text").String())
		return true
	})
	return b.String()
}

// translateResponse converts a generateContent response.
func translateResponse(r gjson.Result, model string) *gateway.TextResult {
	out := &gateway.TextResult{
		Text:         candidateText(r),
		Model:        r.Get("modelVersion").String(),
		FinishReason: mapStopReason(r.Get("candidates.0.finishReason").String()),
	}
	if out.Model == "" {
		out.Model = model
	}
	if u := parseUsage(r.Get("usageMetadata")); u != nil {
		out.Usage = *u
	}
	return out
}

// parseUsage converts usageMetadata. Streamed chunks carry cumulative
// figures, so the latest value wins.
func parseUsage(u gjson.Result) *gateway.Usage {
	if !u.Exists() {
		return nil
	}
	out := &gateway.Usage{
		PromptTokens:       int(u.Get("promptTokenCount").Int()),
		CompletionTokens:   int(u.Get("candidatesTokenCount").Int() + u.Get("thoughtsTokenCount").Int()),
		TotalTokens:        int(u.Get("totalTokenCount").Int()),
		CachedPromptTokens: int(u.Get("cachedContentTokenCount").Int()),
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

// mapStopReason converts Gemini finish reasons to uniform values.
func mapStopReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

// predictRequest is the Imagen :predict request body.
type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int    `json:"sampleCount"`
	AspectRatio string `json:"aspectRatio,omitempty"`
}

// supportedRatios are the aspect ratios Imagen accepts.
var supportedRatios = map[string]bool{"1:1": true, "3:4": true, "4:3": true, "9:16": true, "16:9": true}

// aspectRatio converts a "WxH" size into an Imagen aspect ratio. Unknown
// or unsupported sizes return "" and leave the vendor default.
func aspectRatio(size string) string {
	ws, hs, ok := strings.Cut(size, "x")
	if !ok {
		return ""
	}
	w, err1 := strconv.Atoi(ws)
	h, err2 := strconv.Atoi(hs)
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return ""
	}
	g := gcd(w, h)
	ratio := strconv.Itoa(w/g) + ":" + strconv.Itoa(h/g)
	if !supportedRatios[ratio] {
		return ""
	}
	return ratio
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
