package profile

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublic_OmitsContactData(t *testing.T) {
	req := require.New(t)
	p := &Profile{
		UserID:    "u1",
		Name:      "Ada",
		Location:  "Lisbon",
		AvatarURL: "https://cdn.example/a.png",
		Email:     "ada@example.com",
		Phone:     "+351 555 0100",
	}

	data, err := json.Marshal(p.Public())
	req.NoError(err)
	req.JSONEq(`{"name":"Ada","location":"Lisbon","avatar":"https://cdn.example/a.png"}`, string(data))
	req.NotContains(string(data), "ada@example.com")
}

func TestStaticResolver(t *testing.T) {
	req := require.New(t)
	r := NewStaticResolver(&Profile{UserID: "u1", Name: "Ada"})

	p, err := r.Resolve(context.Background(), "u1")
	req.NoError(err)
	req.Equal("Ada", p.Name)

	// Callers get a copy.
	p.Name = "changed"
	again, _ := r.Resolve(context.Background(), "u1")
	req.Equal("Ada", again.Name)

	_, err = r.Resolve(context.Background(), "missing")
	req.ErrorIs(err, ErrNotFound)

	r.Put(&Profile{UserID: "u2", Name: "Bo"})
	p, err = r.Resolve(context.Background(), "u2")
	req.NoError(err)
	req.Equal("Bo", p.Name)
}
