package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openclaw/wabot-server-go/internal/model"
)

func TestRegistry(t *testing.T) {
	t.Run("set get remove roundtrip", func(t *testing.T) {
		r := New()
		r.Set("alice", &Entry{UserID: "alice", Status: model.ConnStatusConnecting, CreatedAt: time.Now()})

		entry, ok := r.Get("alice")
		assert.True(t, ok)
		assert.Equal(t, "alice", entry.UserID)
		assert.Equal(t, 1, r.Count())

		r.Remove("alice")
		_, ok = r.Get("alice")
		assert.False(t, ok)
		assert.Equal(t, 0, r.Count())
	})

	t.Run("set replaces existing entry", func(t *testing.T) {
		r := New()
		r.Set("alice", &Entry{UserID: "alice", PhoneNumber: "111"})
		r.Set("alice", &Entry{UserID: "alice", PhoneNumber: "222"})

		entry, _ := r.Get("alice")
		assert.Equal(t, "222", entry.PhoneNumber)
		assert.Equal(t, 1, r.Count())
	})

	t.Run("list all returns every entry", func(t *testing.T) {
		r := New()
		for i := 0; i < 3; i++ {
			id := fmt.Sprintf("user%d", i)
			r.Set(id, &Entry{UserID: id})
		}
		assert.Len(t, r.ListAll(), 3)
	})

	t.Run("set status ignores removed entries", func(t *testing.T) {
		r := New()
		r.SetStatus("ghost", model.ConnStatusOnline)
		assert.Equal(t, 0, r.Count())

		r.Set("alice", &Entry{UserID: "alice", Status: model.ConnStatusConnecting})
		r.SetStatus("alice", model.ConnStatusOnline)
		entry, _ := r.Get("alice")
		assert.Equal(t, model.ConnStatusOnline, entry.Status)
	})

	t.Run("concurrent mutation is safe", func(t *testing.T) {
		r := New()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id := fmt.Sprintf("user%d", i%10)
				r.Set(id, &Entry{UserID: id})
				r.Get(id)
				r.SetStatus(id, model.ConnStatusOnline)
				r.Count()
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 10, r.Count())
	})
}
