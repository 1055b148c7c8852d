// Package config handles platform configuration
package config

import (
	"os"
	"strconv"
)

type Config struct {
	HTTPAddr         string
	APIKey           string
	Model            string
	VoiceName        string
	ChapterAPIHost   string
	Translation      string
	DataDir          string
	InputSampleRate  int
	OutputSampleRate int
	CaptureBuffer    int // frames buffered between mic and session
}

func Load() *Config {
	return &Config{
		HTTPAddr:         getEnv("HTTP_ADDR", ":8000"),
		APIKey:           getEnv("GEMINI_API_KEY", ""),
		Model:            getEnv("GEMINI_MODEL", "gemini-2.0-flash-live-001"),
		VoiceName:        getEnv("VOICE_NAME", "Puck"),
		ChapterAPIHost:   getEnv("CHAPTER_API_HOST", "bible-api.com"),
		Translation:      getEnv("TRANSLATION", "cuv"),
		DataDir:          getEnv("DATA_DIR", "data"),
		InputSampleRate:  getEnvInt("INPUT_SAMPLE_RATE", 16000),
		OutputSampleRate: getEnvInt("OUTPUT_SAMPLE_RATE", 24000),
		CaptureBuffer:    getEnvInt("CAPTURE_BUFFER", 32),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
