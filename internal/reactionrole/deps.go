package reactionrole

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/vivibot/vivibot/internal/storage"
)

// Orphan identifies a child row left behind by a failed cascade delete.
type Orphan struct {
	Table    string `json:"table"`
	IDColumn string `json:"id_column"`
	ID       int64  `json:"id"`
	RuleID   int64  `json:"rule_id"`
}

// OrphanSink receives child rows a cascade delete could not remove.
type OrphanSink interface {
	ReportOrphans(ctx context.Context, orphans []Orphan) error
}

// Deps carries the collaborators shared by a Rule and its children.
type Deps struct {
	Store   storage.Store
	Logger  *slog.Logger
	Orphans OrphanSink
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d Deps) check() error {
	if d.Store == nil {
		return fmt.Errorf("reactionrole: %w", storage.ErrNotConfigured)
	}
	return nil
}

var validate = validator.New()

func validateInput(in any) error {
	if err := validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}

// NormalizeReaction trims and NFC-normalises a reaction symbol so equivalent emoji compare equal.
func NormalizeReaction(reaction string) string {
	return norm.NFC.String(strings.TrimSpace(reaction))
}
