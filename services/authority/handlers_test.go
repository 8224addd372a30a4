package authority

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"lensboard/pkg/artifact"
)

type published struct {
	subject string
	payload any
}

type capturePublisher struct {
	mu     sync.Mutex
	events []published
}

func (c *capturePublisher) Publish(_ context.Context, subject string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, published{subject: subject, payload: v})
	return nil
}

func (c *capturePublisher) subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.subject)
	}
	return out
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failPut error
}

func (m *memoryObjects) PutObject(_ context.Context, bucket, key string, r io.Reader, size int64, _ string, contentType string) error {
	if m.failPut != nil {
		return m.failPut
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return io.ErrShortWrite
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = b
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *memoryObjects) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + bucket + "/" + key + "?signed=1", nil
}

func newTestServer(t *testing.T, store *Store, opts Options) *httptest.Server {
	t.Helper()
	if store.Repo == nil {
		store.Repo = NewMemoryRepository()
	}
	opts.Logger = zerolog.Nop()
	api, err := New(store, NewActionRegistry(), opts)
	require.NoError(t, err)
	handler, err := api.Routes()
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url, body string) (int, map[string]json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func decodeField[T any](t *testing.T, body map[string]json.RawMessage, field string) T {
	t.Helper()
	var v T
	require.Contains(t, body, field)
	require.NoError(t, json.Unmarshal(body[field], &v))
	return v
}

func TestArtifactLifecycle(t *testing.T) {
	bus := &capturePublisher{}
	srv := newTestServer(t, &Store{Bus: bus}, Options{})
	base := srv.URL + "/v1/artifacts/logistics/vehicle"

	status, body := call(t, http.MethodGet, base+"/", "")
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, decodeField[[]artifact.Raw](t, body, "items"))

	status, body = call(t, http.MethodPost, base+"/", `{"title":"Truck 7","data":{"mileage":1000,"nextServiceMileage":5000},"meta":{"status":"active"}}`)
	require.Equal(t, http.StatusCreated, status)
	created := decodeField[artifact.Raw](t, body, "artifact")
	require.Equal(t, int64(1), created.Version)
	require.Equal(t, "logistics", created.Domain)
	require.Equal(t, "vehicle", created.Type)
	require.JSONEq(t, `{"mileage":1000,"nextServiceMileage":5000}`, string(created.Data))

	status, body = call(t, http.MethodPatch, base+"/"+created.ID, `{"id":"`+created.ID+`","data":{"mileage":5100},"expectedVersion":1}`)
	require.Equal(t, http.StatusOK, status)
	updated := decodeField[artifact.Raw](t, body, "artifact")
	require.Equal(t, int64(2), updated.Version)
	require.JSONEq(t, `{"mileage":5100,"nextServiceMileage":5000}`, string(updated.Data))

	status, body = call(t, http.MethodPatch, base+"/"+created.ID, `{"data":{"mileage":1},"expectedVersion":1}`)
	require.Equal(t, http.StatusConflict, status)
	current := decodeField[artifact.Raw](t, body, "current")
	require.Equal(t, int64(2), current.Version)
	require.Contains(t, body, "error")

	status, _ = call(t, http.MethodDelete, base+"/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, status)

	status, _ = call(t, http.MethodDelete, base+"/"+created.ID, "")
	require.Equal(t, http.StatusNotFound, status)

	status, _ = call(t, http.MethodPatch, base+"/"+created.ID, `{"data":{"mileage":1},"expectedVersion":3}`)
	require.Equal(t, http.StatusNotFound, status)

	require.Equal(t, []string{
		artifact.ChangeSubject(artifact.OpCreated),
		artifact.ChangeSubject(artifact.OpUpdated),
		artifact.ChangeSubject(artifact.OpRemoved),
	}, bus.subjects())

	ev := bus.events[1].payload.(artifact.ChangeEvent)
	require.Equal(t, int64(2), ev.Version)
	require.Equal(t, float64(1000), ev.Before["mileage"])
	require.Equal(t, float64(5100), ev.After["mileage"])
}

func TestCreateValidation(t *testing.T) {
	srv := newTestServer(t, &Store{}, Options{})
	base := srv.URL + "/v1/artifacts/logistics/vehicle/"

	tests := []struct {
		name string
		body string
	}{
		{name: "missing title", body: `{"data":{}}`},
		{name: "blank title", body: `{"title":"  "}`},
		{name: "array payload", body: `{"title":"x","data":[1,2]}`},
		{name: "unknown field", body: `{"title":"x","colour":"red"}`},
		{name: "malformed", body: `{"title":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, http.MethodPost, base, tt.body)
			require.Equal(t, http.StatusBadRequest, status)
			require.Contains(t, body, "error")
		})
	}
}

func TestUpdateValidation(t *testing.T) {
	srv := newTestServer(t, &Store{}, Options{})
	base := srv.URL + "/v1/artifacts/logistics/vehicle/"

	status, _ := call(t, http.MethodPatch, base+"v1", `{"id":"v2","expectedVersion":1}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, http.MethodPatch, base+"v1", `{"data":{"a":1}}`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = call(t, http.MethodPatch, base+"v1", `{"title":"","expectedVersion":1}`)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestActions(t *testing.T) {
	bus := &capturePublisher{}
	repo := NewMemoryRepository()
	truck, err := repo.Create(context.Background(), artifact.Key{Domain: "logistics", Type: "vehicle"}, NewArtifact{
		Title: "Truck 7",
		Data:  map[string]any{"mileage": float64(5200), "nextServiceMileage": float64(5000)},
	})
	require.NoError(t, err)
	broken, err := repo.Create(context.Background(), artifact.Key{Domain: "logistics", Type: "vehicle"}, NewArtifact{
		Title: "Van",
		Data:  map[string]any{"mileage": "lots"},
	})
	require.NoError(t, err)

	srv := newTestServer(t, &Store{Repo: repo, Bus: bus}, Options{})
	url := srv.URL + "/v1/actions"

	tests := []struct {
		name   string
		body   string
		status int
		result string
	}{
		{
			name:   "maintenance alert",
			body:   `{"domain":"logistics","id":"` + truck.ID + `","action":"maintenanceAlert"}`,
			status: http.StatusOK,
			result: `{"overdue":true,"remaining":0}`,
		},
		{
			name:   "snapshot for any domain",
			body:   `{"domain":"logistics","id":"` + truck.ID + `","action":"snapshot"}`,
			status: http.StatusOK,
		},
		{name: "missing fields", body: `{"domain":"logistics","action":"snapshot"}`, status: http.StatusBadRequest},
		{name: "unknown action", body: `{"domain":"logistics","id":"` + truck.ID + `","action":"launch"}`, status: http.StatusNotFound},
		{name: "unknown artifact", body: `{"domain":"logistics","id":"nope","action":"snapshot"}`, status: http.StatusNotFound},
		{name: "wrong domain", body: `{"domain":"fitness","id":"` + truck.ID + `","action":"snapshot"}`, status: http.StatusNotFound},
		{name: "action failure", body: `{"domain":"logistics","id":"` + broken.ID + `","action":"maintenanceAlert"}`, status: http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := call(t, http.MethodPost, url, tt.body)
			require.Equal(t, tt.status, status)
			if tt.status != http.StatusOK {
				require.Contains(t, body, "error")
				return
			}
			require.Contains(t, body, "result")
			if tt.result != "" {
				require.JSONEq(t, tt.result, string(body["result"]))
			}
		})
	}

	// Requests rejected before lookup publish nothing.
	subjects := bus.subjects()
	require.Len(t, subjects, len(tests)-1)
	for _, subject := range subjects {
		require.Equal(t, artifact.ActionSubject, subject)
	}
}

func TestListActions(t *testing.T) {
	srv := newTestServer(t, &Store{}, Options{})

	status, body := call(t, http.MethodGet, srv.URL+"/v1/actions/logistics", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"maintenanceAlert", "snapshot"}, decodeField[[]string](t, body, "actions"))
}

func TestExport(t *testing.T) {
	objects := &memoryObjects{objects: map[string][]byte{}, types: map[string]string{}}
	repo := NewMemoryRepository()
	key := artifact.Key{Domain: "finance", Type: "asset"}
	for _, title := range []string{"BTC", "ETH"} {
		_, err := repo.Create(context.Background(), key, NewArtifact{Title: title})
		require.NoError(t, err)
	}

	t.Run("not configured", func(t *testing.T) {
		srv := newTestServer(t, &Store{Repo: repo}, Options{})
		status, _ := call(t, http.MethodPost, srv.URL+"/v1/artifacts/finance/asset/export", "")
		require.Equal(t, http.StatusFailedDependency, status)
	})

	t.Run("uploads compressed listing", func(t *testing.T) {
		srv := newTestServer(t, &Store{Repo: repo, S3: objects}, Options{ExportBucket: "exports"})
		status, body := call(t, http.MethodPost, srv.URL+"/v1/artifacts/finance/asset/export", "")
		require.Equal(t, http.StatusCreated, status)
		require.Equal(t, 2, decodeField[int](t, body, "count"))

		objectKey := decodeField[string](t, body, "key")
		require.True(t, strings.HasPrefix(objectKey, "exports/finance/asset/"))
		require.True(t, strings.HasSuffix(objectKey, ".json.zst"))
		require.Contains(t, decodeField[string](t, body, "url"), objectKey)
		require.Len(t, decodeField[string](t, body, "sha256"), 64)
		require.Equal(t, "application/zstd", objects.types["exports/"+objectKey])

		decoder, err := zstd.NewReader(bytes.NewReader(objects.objects["exports/"+objectKey]))
		require.NoError(t, err)
		defer decoder.Close()
		var doc exportDocument
		require.NoError(t, json.NewDecoder(decoder).Decode(&doc))
		require.Equal(t, "finance", doc.Domain)
		require.Len(t, doc.Items, 2)
		require.Equal(t, "BTC", doc.Items[0].Title)
	})

	t.Run("encrypts to recipient", func(t *testing.T) {
		identity, err := age.GenerateX25519Identity()
		require.NoError(t, err)
		srv := newTestServer(t, &Store{Repo: repo, S3: objects}, Options{ExportBucket: "exports", ExportRecipient: identity.Recipient()})
		status, body := call(t, http.MethodPost, srv.URL+"/v1/artifacts/finance/asset/export", "")
		require.Equal(t, http.StatusCreated, status)
		require.Equal(t, identity.Recipient().String(), decodeField[string](t, body, "recipient"))

		objectKey := decodeField[string](t, body, "key")
		require.True(t, strings.HasSuffix(objectKey, ".json.zst.age"))
		require.Equal(t, "application/age", objects.types["exports/"+objectKey])

		sealed := objects.objects["exports/"+objectKey]
		require.True(t, bytes.HasPrefix(sealed, []byte("age-encryption.org/v1\n")))
		sum := sha256.Sum256(sealed)
		require.Equal(t, hex.EncodeToString(sum[:]), decodeField[string](t, body, "sha256"))

		plain, err := age.Decrypt(bytes.NewReader(sealed), identity)
		require.NoError(t, err)
		decoder, err := zstd.NewReader(plain)
		require.NoError(t, err)
		defer decoder.Close()
		var doc exportDocument
		require.NoError(t, json.NewDecoder(decoder).Decode(&doc))
		require.Equal(t, "asset", doc.Type)
		require.Equal(t, []string{"BTC", "ETH"}, []string{doc.Items[0].Title, doc.Items[1].Title})

		other, err := age.GenerateX25519Identity()
		require.NoError(t, err)
		_, err = age.Decrypt(bytes.NewReader(sealed), other)
		require.Error(t, err)
	})

	t.Run("upload failure", func(t *testing.T) {
		failing := &memoryObjects{failPut: io.ErrUnexpectedEOF}
		srv := newTestServer(t, &Store{Repo: repo, S3: failing}, Options{ExportBucket: "exports"})
		status, _ := call(t, http.MethodPost, srv.URL+"/v1/artifacts/finance/asset/export", "")
		require.Equal(t, http.StatusBadGateway, status)
	})
}

func TestReadiness(t *testing.T) {
	srv := newTestServer(t, &Store{}, Options{Ready: func(context.Context) error { return io.ErrClosedPipe }})

	resp, err := http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
