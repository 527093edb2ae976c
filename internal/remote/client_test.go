package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectionPage(page, pages int, releases ...map[string]any) []byte {
	body := map[string]any{
		"pagination": map[string]any{"page": page, "pages": pages},
		"releases":   releases,
	}
	data, _ := json.Marshal(body)
	return data
}

func release(id int64, title, artist string, year int) map[string]any {
	return map[string]any{
		"id":          id,
		"instance_id": id * 10,
		"folder_id":   1,
		"rating":      4,
		"date_added":  "2024-01-15T10:00:00-08:00",
		"basic_information": map[string]any{
			"title":   title,
			"year":    year,
			"artists": []map[string]any{{"name": artist}},
		},
	}
}

func TestFetchCollection(t *testing.T) {
	t.Run("Should follow pagination to the last page", func(t *testing.T) {
		var gotAuth, gotUA string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotUA = r.Header.Get("User-Agent")
			require.Equal(t, "/users/me/collection", r.URL.Path)

			page, _ := strconv.Atoi(r.URL.Query().Get("page"))
			switch page {
			case 1:
				w.Write(collectionPage(1, 2, release(100, "Music Has the Right to Children", "Boards of Canada", 1998)))
			case 2:
				w.Write(collectionPage(2, 2, release(200, "Drukqs", "Aphex Twin", 2001)))
			default:
				t.Errorf("unexpected page %d", page)
			}
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "cratekeeper-test/0.1")
		items, err := client.FetchCollection(context.Background(), "secret-token")
		require.NoError(t, err)

		require.Len(t, items, 2)
		assert.Equal(t, int64(100), items[0].ReleaseID)
		assert.Equal(t, "Music Has the Right to Children", items[0].Title)
		assert.Equal(t, "Boards of Canada", items[0].Artist)
		assert.Equal(t, 1998, items[0].Year)
		assert.Equal(t, int64(2000), items[1].InstanceID)

		assert.Equal(t, "Bearer secret-token", gotAuth)
		assert.Equal(t, "cratekeeper-test/0.1", gotUA)
	})

	t.Run("Should return an empty slice for an empty collection", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(collectionPage(1, 0))
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "cratekeeper-test/0.1")
		items, err := client.FetchCollection(context.Background(), "secret-token")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("Should fail on an unauthorized response", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "cratekeeper-test/0.1")
		_, err := client.FetchCollection(context.Background(), "bad-token")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "collection request failed")
	})
}

func TestReleaseTitle(t *testing.T) {
	t.Run("Should resolve and cache titles", func(t *testing.T) {
		var hits int
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits++
			require.Equal(t, "/releases/42", r.URL.Path)
			fmt.Fprint(w, `{"title":"Geogaddi"}`)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "cratekeeper-test/0.1")
		assert.Equal(t, "Geogaddi", client.ReleaseTitle(context.Background(), "tok", 42))
		assert.Equal(t, "Geogaddi", client.ReleaseTitle(context.Background(), "tok", 42))
		assert.Equal(t, 1, hits)
	})

	t.Run("Should fall back to the ID string on lookup failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClient(srv.URL, "cratekeeper-test/0.1")
		assert.Equal(t, "42", client.ReleaseTitle(context.Background(), "tok", 42))
	})
}

func TestBuildURL(t *testing.T) {
	client := NewClient("https://api.example.com/", "ua")

	assert.Equal(t, "https://api.example.com/releases/1", client.buildURL("/releases/1"))
	assert.Equal(t, "https://api.example.com/releases/1", client.buildURL("releases/1"))
}

func TestLRUCache(t *testing.T) {
	t.Run("Should evict the least recently used entry at capacity", func(t *testing.T) {
		cache := newLRUCache(2)
		cache.Put("a", "1")
		cache.Put("b", "2")

		// Touch "a" so "b" becomes the eviction candidate
		_, ok := cache.Get("a")
		require.True(t, ok)

		cache.Put("c", "3")

		_, ok = cache.Get("b")
		assert.False(t, ok)
		v, ok := cache.Get("a")
		assert.True(t, ok)
		assert.Equal(t, "1", v)
		assert.Equal(t, 2, cache.Len())
	})

	t.Run("Should update an existing key in place", func(t *testing.T) {
		cache := newLRUCache(2)
		cache.Put("a", "1")
		cache.Put("a", "9")

		v, ok := cache.Get("a")
		require.True(t, ok)
		assert.Equal(t, "9", v)
		assert.Equal(t, 1, cache.Len())
	})
}
