package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidInput = errors.New("invalid input")
)

// mapError translates gorm and Postgres errors into package sentinels.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return fmt.Errorf("%w: %s", ErrConflict, pgMessage(pgErr))
		case "23503", "P0002":
			return fmt.Errorf("%w: %s", ErrNotFound, pgMessage(pgErr))
		case "P0001", "22023", "22P02":
			return fmt.Errorf("%w: %s", ErrInvalidInput, pgMessage(pgErr))
		}
	}
	return err
}

func pgMessage(e *pgconn.PgError) string {
	if e.Detail != "" {
		return e.Message + " (" + e.Detail + ")"
	}
	return e.Message
}
