package main

import (
	"github.com/MeKo-Tech/ocrq/cmd/ocrq/cmd"
	"github.com/MeKo-Tech/ocrq/internal/config"
	"github.com/MeKo-Tech/ocrq/internal/recognizer"
	"github.com/MeKo-Tech/ocrq/internal/recognizer/tesseract"
)

func main() {
	cmd.SetEngineFactory(func(cfg *config.Config) (recognizer.Engine, error) {
		return tesseract.New(tesseract.Config{TessdataPrefix: cfg.Recognition.TessdataPrefix}), nil
	})
	cmd.Execute()
}
