package llm

import (
	"encoding/json"
	"strings"
)

// defaultTokenLimit is assumed for models missing from the table.
const defaultTokenLimit = 131_072

// modelTokenLimits maps model-name prefixes to context window sizes.
// Ordered longest-prefix-first at lookup, so more specific entries win.
var modelTokenLimits = map[string]int{
	"gemini-3-pro":     1_048_576,
	"gemini-3-flash":   1_048_576,
	"gemini-2.5-pro":   1_048_576,
	"gemini-2.5-flash": 1_048_576,
	"gpt-5":            400_000,
	"gpt-4.1":          1_047_576,
	"gpt-4o":           128_000,
	"o3":               200_000,
	"o4-mini":          200_000,
	"claude-opus-4":    200_000,
	"claude-sonnet-4":  200_000,
	"claude-haiku-4":   200_000,
}

// TokenLimitForModel returns the context window for a model. The reasoning
// effort suffix is stripped before lookup.
func TokenLimitForModel(model string) int {
	base, _ := ParseModelEffort(model)
	best := 0
	limit := defaultTokenLimit
	for prefix, l := range modelTokenLimits {
		if strings.HasPrefix(base, prefix) && len(prefix) > best {
			best = len(prefix)
			limit = l
		}
	}
	return limit
}

// EstimateTokens approximates the token count of a request as
// ceil(serializedLength/4). This is a documented rough fallback for backends
// without a real tokenizer; adapters with a true counting endpoint must use
// it instead of this.
func EstimateTokens(req Request) int {
	length := len(req.SystemInstruction)
	for _, content := range req.Contents {
		length += SerializedContentLength(content)
	}
	for _, tool := range req.Tools {
		length += len(tool.Name) + len(tool.Description)
		if b, err := json.Marshal(tool.Parameters); err == nil {
			length += len(b)
		}
	}
	return (length + 3) / 4
}

// SerializedContentLength measures one content entry in characters. The
// compression split point uses the same measure, so both stay consistent.
func SerializedContentLength(c Content) int {
	length := 0
	for _, part := range c.Parts {
		switch part.Type {
		case PartText:
			length += len(part.Text)
		case PartFunctionCall:
			if part.FunctionCall != nil {
				length += len(part.FunctionCall.Name) + len(part.FunctionCall.Args)
			}
		case PartFunctionResponse:
			if part.FunctionResponse != nil {
				length += len(part.FunctionResponse.Name) + len(part.FunctionResponse.Response)
			}
		}
	}
	return length
}
