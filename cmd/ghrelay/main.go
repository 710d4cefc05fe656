package main

import (
	"errors"
	"os"

	cmd "github.com/MrSnakeDoc/ghrelay/internal"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
	"github.com/MrSnakeDoc/ghrelay/internal/middleware"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !errors.Is(err, middleware.ErrLogged) {
			logger.LogError(err.Error())
		}
		os.Exit(1)
	}
}
