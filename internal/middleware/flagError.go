package middleware

import (
	"errors"

	"github.com/MrSnakeDoc/ghrelay/internal/errs"
	"github.com/MrSnakeDoc/ghrelay/internal/logger"
)

// ErrLogged tells main the failure was already reported to the user.
var ErrLogged = errors.New("already logged")

func FlagComboError(code errs.Code, a ...any) error {
	msg := errs.Msg(code, a...)
	logger.LogError("%s", msg)
	return ErrLogged
}
