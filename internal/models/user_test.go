package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserJSONHidesPasswordHash(t *testing.T) {
	age := 30
	u := User{
		ID:           1,
		Username:     "alice",
		Email:        "a@x.com",
		PasswordHash: "$2a$10$secret",
		Age:          &age,
		Role:         RoleUser,
		Status:       StatusActive,
		CreatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	b, err := json.Marshal(u)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.NotContains(t, out, "password_hash")
	assert.NotContains(t, string(b), "secret")
	assert.Equal(t, "alice", out["username"])
	assert.Equal(t, float64(30), out["age"])
	assert.Contains(t, out, "created_at")
	assert.Contains(t, out, "updated_at")
}

func TestUniqueColumns(t *testing.T) {
	u := &User{Username: "bob", Email: "b@x.com"}
	assert.Equal(t, map[string]any{"username": "bob", "email": "b@x.com"}, u.UniqueColumns())
}
