package utils

import (
	"io"

	"github.com/MrSnakeDoc/ghrelay/internal/logger"
)

func MustClose(c io.Closer) {
	if err := c.Close(); err != nil {
		logger.Warn("closeutil: %v", err)
	}
}
