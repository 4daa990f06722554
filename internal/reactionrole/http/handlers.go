package reactionrolehttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vivibot/vivibot/internal/platform/httpx"
	"github.com/vivibot/vivibot/internal/reactionrole"
)

// Rules is the rule index served by the admin API. *reactionrole.Registry implements it.
type Rules interface {
	Create(ctx context.Context, in reactionrole.RuleInput) (*reactionrole.Rule, error)
	Get(id int64) (*reactionrole.Rule, error)
	List() []*reactionrole.Rule
	Delete(ctx context.Context, id int64) error
}

// ChangeNotifier tells other processes that the rule set changed.
type ChangeNotifier interface {
	Publish(ctx context.Context) (int64, error)
}

// Handler serves the reaction role admin API.
type Handler struct {
	logger    *slog.Logger
	rules     Rules
	notifier  ChangeNotifier
	rateLimit func(http.Handler) http.Handler
}

// NewHandler builds the admin handler. notifier may be nil.
func NewHandler(logger *slog.Logger, rules Rules, notifier ChangeNotifier) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, rules: rules, notifier: notifier, rateLimit: writeLimiter()}
}

type createRuleRequest struct {
	MessageID int64  `json:"message_id"`
	Name      string `json:"name"`
	Reaction  string `json:"reaction"`
	Active    *bool  `json:"active"`
}

type updateRuleRequest struct {
	MessageID *int64  `json:"message_id"`
	Name      *string `json:"name"`
	Reaction  *string `json:"reaction"`
	Active    *bool   `json:"active"`
}

type changeRequest struct {
	RoleID          int64   `json:"role_id"`
	Add             bool    `json:"add"`
	AllowToggle     bool    `json:"allow_toggle"`
	OriginChannelID *int64  `json:"origin_channel_id"`
	OriginMessage   *string `json:"origin_message"`
}

type updateChangeRequest struct {
	RoleID          *int64  `json:"role_id"`
	Add             *bool   `json:"add"`
	AllowToggle     *bool   `json:"allow_toggle"`
	OriginChannelID *int64  `json:"origin_channel_id"`
	OriginMessage   *string `json:"origin_message"`
}

type requirementRequest struct {
	RoleID int64 `json:"role_id"`
}

type updateRequirementRequest struct {
	RoleID *int64 `json:"role_id"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	rules := h.rules.List()
	out := make([]reactionrole.RuleSnapshot, 0, len(rules))
	for _, rule := range rules {
		snap, err := rule.Snapshot()
		if err != nil {
			// deleted between List and Snapshot
			continue
		}
		out = append(out, snap)
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	rule, err := h.rules.Create(r.Context(), reactionrole.RuleInput{
		MessageID: req.MessageID,
		Name:      req.Name,
		Reaction:  req.Reaction,
		Active:    req.Active,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRule(w, r, http.StatusCreated, rule)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRule(w, r, http.StatusOK, rule)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req updateRuleRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	err = rule.Update(r.Context(), reactionrole.RuleUpdate{
		MessageID: req.MessageID,
		Name:      req.Name,
		Reaction:  req.Reaction,
		Active:    req.Active,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.respondRule(w, r, http.StatusOK, rule)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "ruleID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := h.rules.Delete(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddChange(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req changeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	change, created, err := rule.EnsureChange(r.Context(), reactionrole.ChangeInput{
		RoleID:          req.RoleID,
		Add:             req.Add,
		AllowToggle:     req.AllowToggle,
		OriginChannelID: req.OriginChannelID,
		OriginMessage:   req.OriginMessage,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	snap, err := change.Snapshot()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, addStatus(created), snap)
}

func (h *Handler) handleUpdateChange(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "changeID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	change, err := rule.Change(id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req updateChangeRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	err = change.Update(r.Context(), reactionrole.ChangeUpdate{
		RoleID:          req.RoleID,
		Add:             req.Add,
		AllowToggle:     req.AllowToggle,
		OriginChannelID: req.OriginChannelID,
		OriginMessage:   req.OriginMessage,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	snap, err := change.Snapshot()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRemoveChange(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "changeID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := rule.RemoveChange(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleAddRequirement(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req requirementRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	requirement, created, err := rule.EnsureRequirement(r.Context(), req.RoleID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	snap, err := requirement.Snapshot()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, addStatus(created), snap)
}

// addStatus answers 201 for a new child and 200 when an existing one came back.
func addStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

func (h *Handler) handleUpdateRequirement(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "requirementID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	requirement, err := rule.Requirement(id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var req updateRequirementRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := requirement.Update(r.Context(), reactionrole.RequirementUpdate{RoleID: req.RoleID}); err != nil {
		h.respondError(w, r, err)
		return
	}
	snap, err := requirement.Snapshot()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) handleRemoveRequirement(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rule(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := pathID(r, "requirementID")
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if err := rule.RemoveRequirement(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) rule(r *http.Request) (*reactionrole.Rule, error) {
	id, err := pathID(r, "ruleID")
	if err != nil {
		return nil, err
	}
	return h.rules.Get(id)
}

func (h *Handler) respondRule(w http.ResponseWriter, r *http.Request, status int, rule *reactionrole.Rule) {
	snap, err := rule.Snapshot()
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, status, snap)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	classified := classify(err)
	if serverSide(classified) {
		h.logger.Error("reaction role admin request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, classified)
}

func classify(err error) error {
	switch {
	case errors.Is(err, httpx.ErrValidation):
		return err
	case errors.Is(err, reactionrole.ErrRuleNotFound), errors.Is(err, reactionrole.ErrChildNotFound):
		return fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error())
	case errors.Is(err, reactionrole.ErrUseAfterDelete):
		return fmt.Errorf("%w: %s", httpx.ErrGone, err.Error())
	case errors.Is(err, reactionrole.ErrDuplicateRole):
		return fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error())
	case errors.Is(err, reactionrole.ErrValidation):
		return fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	case errors.Is(err, reactionrole.ErrPersistence),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", httpx.ErrUnavailable, err)
	}
	return err
}

func serverSide(err error) bool {
	for _, class := range []error{httpx.ErrNotFound, httpx.ErrConflict, httpx.ErrValidation, httpx.ErrGone} {
		if errors.Is(err, class) {
			return false
		}
	}
	return true
}

func pathID(r *http.Request, name string) (int64, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", httpx.ErrValidation, name, raw)
	}
	return id, nil
}
