// Package server exposes the sync engine over HTTP. Session resolution
// is deliberately thin: the hosting application authenticates users and
// forwards an opaque id/role pair in headers.
package server

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/fatih/color"
	"github.com/gofiber/fiber/v2"
	"github.com/html5sync/html5sync/internal/config"
	"github.com/html5sync/html5sync/internal/database"
	"github.com/html5sync/html5sync/internal/lock"
	"github.com/html5sync/html5sync/internal/registry"
	"github.com/html5sync/html5sync/internal/syncer"
	"github.com/html5sync/html5sync/internal/types"
)

const (
	headerUserID   = "X-User-Id"
	headerUserRole = "X-User-Role"
)

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PollResponse is the payload the browser client polls for. State is
// true whenever the check completed; the two change flags drive the
// client's reload decisions.
type PollResponse struct {
	State              bool `json:"state"`
	ChangesInStructure bool `json:"changesInStructure"`
	ChangesInData      bool `json:"changesInData"`
}

type Server struct {
	app     *fiber.App
	cfg     *config.Config
	adapter database.Adapter

	// locks is shared by all sessions so leases actually arbitrate
	// between different users.
	locks *lock.Manager

	mu       sync.Mutex
	sessions map[string]*syncer.Syncer
}

func NewServer(cfg *config.Config, adapter database.Adapter) *Server {
	s := &Server{
		app:      fiber.New(),
		cfg:      cfg,
		adapter:  adapter,
		locks:    lock.NewManager(cfg.LockTTL()),
		sessions: make(map[string]*syncer.Syncer),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.app.Group("/api")
	api.Get("/sync", s.handlePoll)
	api.Get("/changes", s.handleChanges)
	api.Get("/tables", s.handleGetTables)
	api.Get("/tables/:name/rows", s.handleGetRows)
	api.Get("/tables/:name/rows/:key", s.handleGetRow)
	api.Post("/tables/:name/rows", s.handleInsertRow)
	api.Put("/tables/:name/rows", s.handleUpdateRow)
	api.Delete("/tables/:name/rows/:key", s.handleDeleteRow)
}

func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	color.Green("html5sync server listening on %s", addr)
	return s.app.Listen(addr)
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// session returns the caller's Syncer, building it on first contact.
// The registry inside is cached for the session's lifetime.
func (s *Server) session(c *fiber.Ctx) (*syncer.Syncer, error) {
	id, _ := strconv.Atoi(c.Get(headerUserID))
	user := types.User{ID: id, Role: c.Get(headerUserRole)}
	key := fmt.Sprintf("%d:%s", user.ID, user.Role)

	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[key]; ok {
		return sess, nil
	}
	sess, err := syncer.New(c.Context(), s.cfg, s.adapter, user, s.locks)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = sess
	return sess, nil
}

func (s *Server) handlePoll(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	structure, err := sess.StructureChanged(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	data, err := sess.DataChanged(c.Context())
	if err != nil {
		return s.fail(c, err)
	}

	return c.JSON(PollResponse{
		State:              true,
		ChangesInStructure: structure,
		ChangesInData:      data,
	})
}

func (s *Server) handleChanges(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	changes, err := sess.Changes(c.Context())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(Response{Success: true, Data: changes})
}

func (s *Server) handleGetTables(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(Response{Success: true, Data: sess.Tables()})
}

func (s *Server) handleGetRows(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	page, _ := strconv.Atoi(c.Query("page", "0"))
	result, err := sess.Rows(c.Context(), c.Params("name"), page)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(Response{Success: true, Data: result})
}

func (s *Server) handleGetRow(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	record, err := sess.Row(c.Context(), c.Params("name"), c.Params("key"))
	if err != nil {
		return s.fail(c, err)
	}
	if record == nil {
		return c.Status(fiber.StatusNotFound).JSON(Response{
			Success: false,
			Message: "row not found",
		})
	}
	return c.JSON(Response{Success: true, Data: record})
}

func (s *Server) handleInsertRow(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	var record types.Record
	if err := c.BodyParser(&record); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Response{
			Success: false,
			Message: "Invalid request",
		})
	}
	if err := sess.Insert(c.Context(), c.Params("name"), record); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(Response{Success: true, Message: "Row added successfully"})
}

func (s *Server) handleUpdateRow(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	var record types.Record
	if err := c.BodyParser(&record); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(Response{
			Success: false,
			Message: "Invalid request",
		})
	}
	if err := sess.Update(c.Context(), c.Params("name"), record); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(Response{Success: true, Message: "Row updated successfully"})
}

func (s *Server) handleDeleteRow(c *fiber.Ctx) error {
	sess, err := s.session(c)
	if err != nil {
		return s.fail(c, err)
	}

	tableName := c.Params("name")
	record, err := keyRecord(sess, tableName, c.Params("key"))
	if err != nil {
		return s.fail(c, err)
	}
	if err := sess.Delete(c.Context(), tableName, record); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(Response{Success: true, Message: "Row deleted successfully"})
}

// keyRecord wraps a raw key value in a record keyed by the table's
// primary key column, so deletes go through the same validation as
// record-carrying writes.
func keyRecord(sess *syncer.Syncer, tableName, key string) (types.Record, error) {
	for _, table := range sess.Tables() {
		if table.Name != tableName {
			continue
		}
		pk := table.PrimaryKey()
		if pk == nil {
			return nil, syncer.ErrReadOnlyTable
		}
		return types.Record{pk.Name: key}, nil
	}
	return nil, fmt.Errorf("table %s: %w", tableName, registry.ErrNotSynchronized)
}

// fail maps engine errors onto HTTP statuses: validation mistakes are
// the client's (400), unknown tables are 404, lock contention is a
// conflict (409), everything else is a server fault (500).
func (s *Server) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, syncer.ErrWrongColumn),
		errors.Is(err, syncer.ErrMissingKey),
		errors.Is(err, syncer.ErrReadOnlyTable):
		status = fiber.StatusBadRequest
	case errors.Is(err, registry.ErrNotSynchronized):
		status = fiber.StatusNotFound
	case errors.Is(err, syncer.ErrTableLocked):
		status = fiber.StatusConflict
	default:
		color.Red("request failed: %v", err)
	}
	return c.Status(status).JSON(Response{Success: false, Message: err.Error()})
}
