package config

import (
	"os"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	Host           string   `toml:"host"`
	Port           string   `toml:"port"`
	Libonnx        string   `toml:"libonnx"`
	ModelPath      string   `toml:"model_path"`
	ImageSize      int      `toml:"image_size"`
	MaxUploadBytes int64    `toml:"max_upload_bytes"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

var (
	cfg = Config{
		Host:           "0.0.0.0",
		Port:           "8000",
		ModelPath:      "models/intel_scene.onnx",
		ImageSize:      150,
		MaxUploadBytes: 10 << 20,
		AllowedOrigins: []string{"*"},
	}
	loadOnce sync.Once
)

func C() Config {
	loadOnce.Do(func() {
		if _, err := os.Stat("config.toml"); err == nil {
			data, err := os.ReadFile("config.toml")
			if err != nil {
				panic(err)
			}
			if err := toml.Unmarshal(data, &cfg); err != nil {
				panic(err)
			}
		}
	})
	return cfg
}
