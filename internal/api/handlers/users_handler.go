package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/fastcrud/userapi/internal/api/types"
	"github.com/fastcrud/userapi/internal/api/validators"
	"github.com/fastcrud/userapi/internal/services"
)

// ImportQueue accepts prepared records for asynchronous import.
type ImportQueue interface {
	Enqueue(ctx context.Context, records []services.ImportRecord) (taskID, queue string, err error)
}

type UsersHandler struct {
	users    services.UserService
	validate *validators.Validator
	imports  ImportQueue
}

// NewUsersHandler builds the users handler. imports may be nil, in which case
// Import is not routed.
func NewUsersHandler(users services.UserService, imports ImportQueue) *UsersHandler {
	return &UsersHandler{users: users, validate: validators.New(), imports: imports}
}

// CanImport reports whether an import queue is configured.
func (h *UsersHandler) CanImport() bool { return h.imports != nil }

func (h *UsersHandler) List(w http.ResponseWriter, r *http.Request) error {
	var q types.ListUsersQuery
	if err := h.validate.DecodeQuery(r.URL.Query(), &q); err != nil {
		return err
	}
	page, err := h.users.List(r.Context(), services.ListUsersInput{Page: q.Page, Limit: q.Limit, Role: q.Role})
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: page})
	return nil
}

func (h *UsersHandler) Get(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: u})
	return nil
}

func (h *UsersHandler) Create(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	var in services.CreateUserInput
	if err := h.validate.DecodeJSON(body, &in); err != nil {
		return err
	}
	u, err := h.users.Create(r.Context(), in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: u, Message: "User created successfully"})
	return nil
}

func (h *UsersHandler) Update(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	body, err := readBody(w, r)
	if err != nil {
		return err
	}
	var in services.UpdateUserInput
	if err := h.validate.DecodeJSON(body, &in); err != nil {
		return err
	}
	u, err := h.users.Update(r.Context(), id, in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: u, Message: "User updated successfully"})
	return nil
}

func (h *UsersHandler) Delete(w http.ResponseWriter, r *http.Request) error {
	id, err := pathID(r)
	if err != nil {
		return err
	}
	if err := h.users.Delete(r.Context(), id); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Message: "User deleted successfully"})
	return nil
}

// Batch creates every user in the body or none of them.
func (h *UsersHandler) Batch(w http.ResponseWriter, r *http.Request) error {
	in, err := h.decodeBatch(w, r)
	if err != nil {
		return err
	}
	users, err := h.users.CreateMany(r.Context(), in)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{
		Success: true,
		Data:    types.BatchResponse{Users: users, Count: len(users)},
		Message: "Users created successfully",
	})
	return nil
}

// Import validates the batch now and inserts it later on the worker.
func (h *UsersHandler) Import(w http.ResponseWriter, r *http.Request) error {
	in, err := h.decodeBatch(w, r)
	if err != nil {
		return err
	}
	records, err := h.users.PrepareImport(r.Context(), in)
	if err != nil {
		return err
	}
	taskID, queue, err := h.imports.Enqueue(r.Context(), records)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{
		Success: true,
		Data:    types.ImportAccepted{TaskID: taskID, Queue: queue, Count: len(records)},
		Message: "Import queued",
	})
	return nil
}

// decodeBatch accepts a bare JSON array or {"users": [...]} and decodes every
// item, reporting errors as users[i].field.
func (h *UsersHandler) decodeBatch(w http.ResponseWriter, r *http.Request) ([]services.CreateUserInput, error) {
	body, err := readBody(w, r)
	if err != nil {
		return nil, err
	}

	var items []json.RawMessage
	body = bytes.TrimSpace(body)
	switch {
	case len(body) > 0 && body[0] == '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, validators.Errors{{Field: "body", Message: "is not valid JSON"}}
		}
	default:
		var wrapper struct {
			Users []json.RawMessage `json:"users" validate:"required"`
		}
		if err := h.validate.DecodeJSON(body, &wrapper); err != nil {
			return nil, err
		}
		items = wrapper.Users
	}

	in := make([]services.CreateUserInput, len(items))
	var all validators.Errors
	for i, raw := range items {
		if err := h.validate.DecodeJSON(raw, &in[i]); err != nil {
			verrs, ok := err.(validators.Errors)
			if !ok {
				return nil, err
			}
			all = append(all, verrs.Prefix(fmt.Sprintf("users[%d]", i))...)
		}
	}
	if len(all) > 0 {
		return nil, all
	}
	return in, nil
}
