// Package handlers implements the HTTP endpoints of the vidforge API.
package handlers

import (
	"net/http"

	"vidforge/internal/httpkit"
	"vidforge/internal/intake"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/errors"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/ports"
	"vidforge/internal/queue"
)

type Deps struct {
	Intake *intake.Service
	Store  jobstore.Store
	Queue  queue.Queue
	SP     ports.StorageProvider
	Log    *logger.Logger
}

type Handler struct {
	intake *intake.Service
	store  jobstore.Store
	queue  queue.Queue
	sp     ports.StorageProvider
	log    *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		intake: d.Intake,
		store:  d.Store,
		queue:  d.Queue,
		sp:     d.SP,
		log:    log.WithComponent("http"),
	}
}

// writeError maps a coded error onto the JSON error envelope. Internal
// details never leak: only the coded message and its context fields are
// written.
func writeError(w http.ResponseWriter, err error) {
	status := errors.GetHTTPStatus(err)
	code := string(errors.GetCode(err))

	msg := "internal server error"
	var e *errors.Error
	if errors.As(err, &e) && e.Code != errors.CodeInternal {
		msg = e.Message
	}

	httpkit.WriteErr(w, status, code, msg, errors.GetFields(err))
}
