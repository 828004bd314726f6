// Package costs estimates the upstream spend of a caption session.
package costs

import (
	"math"
	"os"
	"strconv"
)

// Pricing in cents per unit. Defaults can be overridden via environment
// variables.
var (
	// DeepgramCentsPerMinute is the cost per minute of Nova-3 streaming STT.
	// Default: $0.0077/min = 0.77 cents/min
	DeepgramCentsPerMinute = getEnvFloat("COST_DEEPGRAM_CENTS_PER_MIN", 0.77)

	// OpenAICentsPerThousandInputTokens is the cost per 1K input tokens for GPT-4o-mini.
	// Default: $0.15/1M = 0.015 cents/1K tokens
	OpenAICentsPerThousandInputTokens = getEnvFloat("COST_OPENAI_INPUT_CENTS_PER_1K", 0.015)

	// OpenAICentsPerThousandOutputTokens is the cost per 1K output tokens for GPT-4o-mini.
	// Default: $0.60/1M = 0.06 cents/1K tokens
	OpenAICentsPerThousandOutputTokens = getEnvFloat("COST_OPENAI_OUTPUT_CENTS_PER_1K", 0.06)
)

// Usage is what a session consumed from the inference providers.
type Usage struct {
	AudioSeconds float64 // audio forwarded to STT
	InputTokens  int     // prompt tokens across all translations
	OutputTokens int     // completion tokens across all translations
	Translations int
}

// Costs are in cents, rounded to a hundredth of a cent.
type Costs struct {
	STTCents   float64
	LLMCents   float64
	TotalCents float64
}

// Calculate prices u with the current rates.
func Calculate(u Usage) Costs {
	stt := (u.AudioSeconds / 60.0) * DeepgramCentsPerMinute

	llmInput := (float64(u.InputTokens) / 1000.0) * OpenAICentsPerThousandInputTokens
	llmOutput := (float64(u.OutputTokens) / 1000.0) * OpenAICentsPerThousandOutputTokens

	c := Costs{
		STTCents: roundCents(stt),
		LLMCents: roundCents(llmInput + llmOutput),
	}
	c.TotalCents = roundCents(c.STTCents + c.LLMCents)
	return c
}

// AudioSeconds converts a byte count of raw audio into its duration.
// Unknown encodings are treated as linear16; a zero sample rate as 16kHz.
func AudioSeconds(bytes int64, encoding string, sampleRate, channels int) float64 {
	if bytes <= 0 {
		return 0
	}
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	bytesPerSample := 2
	switch encoding {
	case "mulaw", "alaw":
		bytesPerSample = 1
	case "linear32":
		bytesPerSample = 4
	}
	return float64(bytes) / float64(sampleRate*channels*bytesPerSample)
}

func roundCents(f float64) float64 {
	return math.Round(f*100) / 100
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
