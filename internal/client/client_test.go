package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"happysrt/api/internal/thread"
)

const threadID = "6f1c2a9e-4b7d-4c1a-9e2f-0a1b2c3d4e5f"

func TestCreateThreadSendsBearerToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/threads/create", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, threadID, body["threadId"])
		assert.Equal(t, "Interview", body["title"])
		_, _ = io.WriteString(w, `{"ok":true,"thread":{"id":"`+threadID+`","title":"Interview","version":1,"updatedAt":"2026-03-01T12:00:00Z","createdAt":"2026-03-01T12:00:00Z"}}`)
	}))
	defer server.Close()

	c := New(server.URL, WithToken("tok"))
	created, err := c.CreateThread(context.Background(), threadID, "Interview")
	require.NoError(t, err)
	assert.Equal(t, threadID, created.ID)
	assert.Equal(t, thread.KindThread, created.Kind)
	assert.NotNil(t, created.Draft.Files)
}

func TestAPIErrorsMapToErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		body   string
		target error
	}{
		{http.StatusBadRequest, `{"code":"VALIDATION_ERROR","error":"bad"}`, thread.ErrValidation},
		{http.StatusUnauthorized, `{"code":"UNAUTHORIZED","error":"Unauthorized"}`, thread.ErrUnauthorized},
		{http.StatusNotFound, `{"code":"NOT_FOUND","error":"Not found"}`, thread.ErrNotFound},
		{http.StatusConflict, `{"code":"THREAD_EXISTS","error":"exists"}`, thread.ErrConflict},
		{http.StatusForbidden, `{"code":"THREAD_LIMIT_REACHED","error":"limit","details":{"limit":2,"used":2,"plan":"free"}}`, thread.ErrConflict},
		{http.StatusRequestEntityTooLarge, `{"code":"STORAGE_LIMIT_EXCEEDED","error":"full","details":{"limit":10485760,"used":9000000,"attempted":2000000}}`, thread.ErrConflict},
	}
	for _, tc := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = io.WriteString(w, tc.body)
		}))
		_, err := New(server.URL).GetThread(context.Background(), threadID)
		server.Close()

		assert.Error(t, err)
		assert.ErrorIs(t, err, tc.target, "status %d", tc.status)
		assert.NotErrorIs(t, err, thread.ErrTransport)
	}
}

func TestAPIErrorCarriesLimitDetails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		_, _ = io.WriteString(w, `{"code":"STORAGE_LIMIT_EXCEEDED","error":"Storage limit exceeded","details":{"limit":10485760,"used":9000000,"attempted":2000000}}`)
	}))
	defer server.Close()

	_, err := New(server.URL).UploadDraft(context.Background(), UploadRequest{ThreadID: threadID, ItemID: "i", ClientFileID: "c", Data: []byte("x")})
	apiErr, ok := AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, "STORAGE_LIMIT_EXCEEDED", apiErr.Code)
	assert.Equal(t, int64(10485760), apiErr.Limit)
	assert.Equal(t, int64(9000000), apiErr.Used)
	assert.Equal(t, int64(2000000), apiErr.Attempted)
}

func TestTransportFailureIsClassified(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := New(url, WithTimeout(time.Second)).IndexThreads(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, thread.ErrTransport)
	_, isAPI := AsAPIError(err)
	assert.False(t, isAPI)
}

func TestIndexThreadsSendsSince(t *testing.T) {
	since := time.Date(2026, 3, 1, 11, 0, 0, 500, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, since.Format(time.RFC3339Nano), body["since"])
		_, _ = io.WriteString(w, `{"ok":true,"serverTime":"2026-03-01T12:00:00Z","threads":[{"threadId":"a","version":2,"updatedAt":"2026-03-01T11:30:00Z","deletedAt":null,"draftRev":1,"draftUpdatedAt":null}]}`)
	}))
	defer server.Close()

	index, err := New(server.URL, WithToken("tok")).IndexThreads(context.Background(), &since)
	require.NoError(t, err)
	require.Len(t, index.Threads, 1)
	assert.Equal(t, int64(2), index.Threads[0].Version)
	assert.True(t, index.ServerTime.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
}

func TestGuestCookieIsCapturedAndReplayed(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			_, err := r.Cookie(GuestCookieName)
			assert.ErrorIs(t, err, http.ErrNoCookie)
			http.SetCookie(w, &http.Cookie{Name: GuestCookieName, Value: "guest-1", Path: "/"})
		} else {
			cookie, err := r.Cookie(GuestCookieName)
			assert.NoError(t, err)
			assert.Equal(t, "guest-1", cookie.Value)
		}
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"ok":true,"threadId":"`+threadID+`","itemId":"i","draftRev":1}`)
	}))
	defer server.Close()

	c := New(server.URL)
	_, err := c.DeleteDraft(context.Background(), threadID, "i")
	require.NoError(t, err)
	assert.Equal(t, "guest-1", c.GuestID())

	_, err = c.DeleteDraft(context.Background(), threadID, "i")
	require.NoError(t, err)
}

func TestUploadDraftEncodesMultipart(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, threadID, r.FormValue("threadId"))
		assert.Equal(t, "item-1", r.FormValue("itemId"))
		assert.Equal(t, "c1", r.FormValue("clientFileId"))
		assert.Equal(t, "upload", r.FormValue("sourceType"))
		var local thread.LocalMeta
		assert.NoError(t, json.Unmarshal([]byte(r.FormValue("localMeta")), &local))
		assert.Equal(t, "talk.mp3", local.Name)

		file, header, err := r.FormFile("file")
		assert.NoError(t, err)
		defer file.Close()
		data, _ := io.ReadAll(file)
		assert.Equal(t, "hello", string(data))
		assert.Equal(t, "talk.mp3", header.Filename)
		assert.Equal(t, "audio/mpeg", header.Header.Get("Content-Type"))

		_, _ = io.WriteString(w, `{"ok":true,"threadId":"`+threadID+`","itemId":"item-1","draftRev":3,"draftUpdatedAt":"2026-03-01T12:00:00Z","updatedAt":"2026-03-01T12:00:00Z","draftFile":{"itemId":"item-1","clientFileId":"c1","sourceType":"upload","stage":"uploaded","audio":{"b2":{"key":"k","bytes":5,"mime":"audio/mpeg","filename":"talk.mp3","objectId":"o"}}},"storage":{"usedBytes":5,"limitBytes":10485760}}`)
	}))
	defer server.Close()

	result, err := New(server.URL, WithToken("tok")).UploadDraft(context.Background(), UploadRequest{
		ThreadID:     threadID,
		ItemID:       "item-1",
		ClientFileID: "c1",
		SourceType:   thread.SourceUpload,
		Local:        &thread.LocalMeta{Name: "talk.mp3", Size: 5, Mime: "audio/mpeg"},
		Filename:     "talk.mp3",
		Mime:         "audio/mpeg",
		Data:         []byte("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), result.DraftRev)
	require.NotNil(t, result.DraftFile)
	require.NotNil(t, result.DraftFile.Audio)
	assert.Equal(t, "k", result.DraftFile.Audio.B2.Key)
	assert.Equal(t, int64(5), result.Storage.UsedBytes)
}

func TestSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = io.WriteString(w, `{"authenticated":true,"userId":"u1","plan":"free","threadLimit":2}`)
	}))
	defer server.Close()

	session, err := New(server.URL, WithToken("tok")).Session(context.Background())
	require.NoError(t, err)
	assert.True(t, session.Authenticated)
	require.NotNil(t, session.UserID)
	assert.Equal(t, "u1", *session.UserID)
	assert.Equal(t, 2, session.ThreadLimit)
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	}))
	defer server.Close()

	_, err := New(server.URL).RenameThread(context.Background(), threadID, "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
	assert.Equal(t, "Bad Gateway", apiErr.Message)
}
