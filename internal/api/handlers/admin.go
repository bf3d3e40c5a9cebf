// admin.go — операторские эндпоинты: удаление ссылки, ручной запуск
// очистки и сверки. Доступны только с JWT и scope vaultshare:admin.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/Nay2017/VaultShare/internal/api/errors"
	"github.com/Nay2017/VaultShare/internal/api/middleware"
	"github.com/Nay2017/VaultShare/internal/service"
)

// LinkDeleter — удаление ссылки оператором.
type LinkDeleter interface {
	Delete(ctx context.Context, id string) error
}

// ReaperRunner — ручной запуск очистки истёкших ссылок.
type ReaperRunner interface {
	RunOnce(ctx context.Context) *service.ReaperResult
}

// ReconcileRunner — ручной запуск сверки.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (*service.ReconcileResult, bool)
}

// AdminHandler — обработчик операторских эндпоинтов.
type AdminHandler struct {
	links      LinkDeleter
	reaper     ReaperRunner
	reconciler ReconcileRunner
	logger     *slog.Logger
}

// NewAdminHandler создаёт обработчик операторских эндпоинтов.
func NewAdminHandler(links LinkDeleter, reaper ReaperRunner, reconciler ReconcileRunner, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		links:      links,
		reaper:     reaper,
		reconciler: reconciler,
		logger:     logger.With(slog.String("component", "admin_handler")),
	}
}

// DeleteLink обрабатывает DELETE /api/v1/admin/links/{fileId}.
func (h *AdminHandler) DeleteLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "fileId")

	err := h.links.Delete(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Ссылка не найдена")
		return
	default:
		h.logger.Error("Ошибка удаления ссылки",
			slog.String("file_id", id),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Ошибка удаления ссылки")
		return
	}

	h.logger.Info("Операторское удаление выполнено",
		slog.String("file_id", id),
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	w.WriteHeader(http.StatusNoContent)
}

// RunReaper обрабатывает POST /api/v1/admin/reaper/run.
func (h *AdminHandler) RunReaper(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Ручной запуск очистки",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	writeJSON(w, http.StatusOK, h.reaper.RunOnce(r.Context()))
}

// RunReconcile обрабатывает POST /api/v1/admin/reconcile/run.
// 409, если сверка уже выполняется.
func (h *AdminHandler) RunReconcile(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("Ручной запуск сверки",
		slog.String("subject", middleware.SubjectFromContext(r.Context())),
	)
	result, skipped := h.reconciler.RunOnce(r.Context())
	if skipped {
		apierrors.InProgress(w, "Сверка уже выполняется")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
