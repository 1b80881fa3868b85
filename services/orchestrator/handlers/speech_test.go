// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/blob"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/tts"
	"github.com/AleutianAI/AleutianChat/services/speech"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeSpeech stands in for the synthesis service.
type fakeSpeech struct {
	taskID      string
	audio       []byte
	downloadErr error
	synthErrOn  string
}

func (f *fakeSpeech) SubmitTask(_ context.Context, _ string) (string, error) {
	return f.taskID, nil
}

func (f *fakeSpeech) DownloadAudio(_ context.Context, _ string) ([]byte, error) {
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.audio, nil
}

func (f *fakeSpeech) ResultURL(_ context.Context, _ string) (string, error) {
	return "", errors.New("no direct result")
}

func (f *fakeSpeech) Synthesize(_ context.Context, text string) ([]byte, error) {
	if text == f.synthErrOn {
		return nil, errors.New("voice unavailable")
	}
	return []byte("<" + text + ">"), nil
}

// fakeASR records whether the upload was readable while it transcribed.
type fakeASR struct {
	text      string
	events    []speech.RecognitionEvent
	streamErr error

	sawContent string
}

func (f *fakeASR) Transcribe(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.sawContent = string(data)
	return f.text, nil
}

func (f *fakeASR) StreamTranscription(_ context.Context, path string) iter.Seq2[speech.RecognitionEvent, error] {
	return func(yield func(speech.RecognitionEvent, error) bool) {
		if data, err := os.ReadFile(path); err == nil {
			f.sawContent = string(data)
		}
		for _, ev := range f.events {
			if !yield(ev, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(speech.RecognitionEvent{}, f.streamErr)
		}
	}
}

// =============================================================================
// Setup
// =============================================================================

type speechFixture struct {
	*handlerFixture
	blobs   *blob.LocalStore
	synth   *fakeSpeech
	asr     *fakeASR
	tempDir string
	handler *SpeechHandler
}

func newSpeechFixture(t *testing.T) *speechFixture {
	t.Helper()
	f := newHandlerFixture(t)
	blobs, err := blob.NewLocalStore(f.db, "http://chat.test", []byte("secret"))
	require.NoError(t, err)

	synth := &fakeSpeech{taskID: "task-1", audio: []byte("ID3-audio")}
	asr := &fakeASR{text: "hello world"}
	tracker := tts.NewTracker(f.store, synth, blobs,
		tts.WithFileNamer(func(taskID string) string { return taskID + ".mp3" }))

	sf := &speechFixture{
		handlerFixture: f,
		blobs:          blobs,
		synth:          synth,
		asr:            asr,
		tempDir:        t.TempDir(),
	}
	sf.handler = NewSpeechHandler(SpeechConfig{
		Registry: f.registry,
		ASR:      asr,
		Tracker:  tracker,
		Resolver: tts.NewPlaybackResolver(f.store, blobs, nil),
		Live:     synth,
		TempDir:  sf.tempDir,
	})
	return sf
}

func (sf *speechFixture) router(userID string) *gin.Engine {
	h := sf.handler
	router := newRouter(userID, func(r gin.IRoutes) {
		r.POST("/sequence2txt", h.HandleSequence2Txt)
		r.POST("/tts", h.HandleTTS)
		r.POST("/tts/generate", h.HandleTTSGenerate)
		r.GET("/tts/down", h.HandleTTSDownload)
	})
	router.POST("/tts/callback", h.HandleTTSCallback)
	router.GET(blob.LocalRoutePrefix+"/:bucket/*key", NewBlobHandler(sf.blobs).HandleGet)
	return router
}

func (sf *speechFixture) assertTempDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(sf.tempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "uploaded audio must not outlive the request")
}

// storeAudio puts audio for a conversation and returns its presigned URL.
func (sf *speechFixture) storeAudio(t *testing.T, convID, name string, data []byte) string {
	t.Helper()
	ctx := context.Background()
	key := blob.TTSKey(name)
	require.NoError(t, sf.blobs.Put(ctx, convID, key, data))
	u, err := sf.blobs.Presign(ctx, convID, key, 0)
	require.NoError(t, err)
	return u
}

func uploadRequest(t *testing.T, filename string, content []byte, stream bool) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	if stream {
		require.NoError(t, mw.WriteField("stream", "true"))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/sequence2txt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

// =============================================================================
// sequence2txt
// =============================================================================

func TestHandleSequence2Txt_RejectsUnsupportedFormat(t *testing.T) {
	sf := newSpeechFixture(t)
	w := httptest.NewRecorder()

	sf.router(userWithSpeech).ServeHTTP(w, uploadRequest(t, "notes.txt", []byte("text"), false))

	env := decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetArgumentError), env.Code)
	assert.True(t, strings.HasPrefix(env.Message, "Unsupported audio format: .txt. Allowed: .aac, .flac"), env.Message)
	sf.assertTempDirEmpty(t)
}

func TestHandleSequence2Txt_MissingFile(t *testing.T) {
	sf := newSpeechFixture(t)
	w := httptest.NewRecorder()

	sf.router(userWithSpeech).ServeHTTP(w, uploadRequest(t, "", nil, false))

	env := decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetArgumentError), env.Code)
	assert.Equal(t, "Missing 'file' in multipart form-data", env.Message)
}

func TestHandleSequence2Txt_TenantWithoutASR(t *testing.T) {
	sf := newSpeechFixture(t)
	w := httptest.NewRecorder()

	sf.router(userPlain).ServeHTTP(w, uploadRequest(t, "a.wav", []byte("RIFF"), false))

	env := decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetDataError), env.Code)
	assert.Equal(t, "No default ASR model is set", env.Message)
	sf.assertTempDirEmpty(t)
}

func TestHandleSequence2Txt_Batch(t *testing.T) {
	sf := newSpeechFixture(t)
	w := httptest.NewRecorder()

	sf.router(userWithSpeech).ServeHTTP(w, uploadRequest(t, "Voice.MP3", []byte("ID3"), false))

	env := decodeEnvelope(t, w)
	require.Equal(t, 0, env.Code, env.Message)
	assert.JSONEq(t, `{"text":"hello world"}`, string(env.Data))
	assert.Equal(t, "ID3", sf.asr.sawContent)
	sf.assertTempDirEmpty(t)
}

func TestHandleSequence2Txt_StreamWithError(t *testing.T) {
	sf := newSpeechFixture(t)
	sf.asr.events = []speech.RecognitionEvent{
		{Event: speech.EventProcessing, TaskID: "asr-1"},
		{Event: speech.EventPartial, Text: "hello"},
	}
	sf.asr.streamErr = errors.New("recognizer crashed")
	w := httptest.NewRecorder()

	sf.router(userWithSpeech).ServeHTTP(w, uploadRequest(t, "a.wav", []byte("RIFF"), true))

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	frames := sseFrames(w.Body.String())
	require.Len(t, frames, 4)

	var ev speech.RecognitionEvent
	require.NoError(t, json.Unmarshal([]byte(frames[0]), &ev))
	assert.Equal(t, speech.EventProcessing, ev.Event)
	require.NoError(t, json.Unmarshal([]byte(frames[1]), &ev))
	assert.Equal(t, "hello", ev.Text)

	require.NoError(t, json.Unmarshal([]byte(frames[2]), &ev))
	assert.Equal(t, speech.EventError, ev.Event)
	assert.Equal(t, "recognizer crashed", ev.Text)

	assert.JSONEq(t, `{"code":0,"message":"","data":true}`, frames[3])
	sf.assertTempDirEmpty(t)
}

// =============================================================================
// tts/generate + tts/callback
// =============================================================================

func TestTTSLifecycle_GenerateCallbackPlayDownload(t *testing.T) {
	sf := newSpeechFixture(t)
	sf.seed(t, nil)
	router := sf.router(userWithSpeech)

	// generate
	w := doJSON(t, router, http.MethodPost, "/tts/generate", map[string]any{"conversation_id": "c1", "content": "read me"})
	env := decodeEnvelope(t, w)
	require.Equal(t, 0, env.Code, env.Message)
	assert.JSONEq(t, `{"task_id":"task-1"}`, string(env.Data))
	assert.Equal(t, datatypes.TTSStatusPending, sf.get(t, "c1").TTSStatus)

	// callback
	w = doJSON(t, router, http.MethodPost, "/tts/callback", map[string]any{"task_id": "task-1", "status": "completed"})
	env = decodeEnvelope(t, w)
	require.Equal(t, 0, env.Code, env.Message)
	assert.JSONEq(t, `{"success":true}`, string(env.Data))

	conv := sf.get(t, "c1")
	assert.Equal(t, datatypes.TTSStatusCompleted, conv.TTSStatus)
	require.True(t, strings.HasPrefix(conv.TTSFileURL, "http://chat.test/v1/blob/c1/tts/task-1.mp3?"), conv.TTSFileURL)

	// playback from the conversation tier
	w = doJSON(t, router, http.MethodPost, "/tts", map[string]any{"conversation_id": "c1", "text": "ignored"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "ID3-audio", w.Body.String())

	// download
	w = doJSON(t, router, http.MethodGet, "/tts/down?conversation_id=c1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="task-1.mp3"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "ID3-audio", w.Body.String())

	// the presigned URL itself
	u, err := url.Parse(conv.TTSFileURL)
	require.NoError(t, err)
	w = doJSON(t, router, http.MethodGet, u.RequestURI(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ID3-audio", w.Body.String())
}

func TestHandleTTSCallback_DownloadFailure(t *testing.T) {
	sf := newSpeechFixture(t)
	conv := sf.seed(t, nil)
	conv.TTSTaskID = "task-1"
	conv.TTSStatus = datatypes.TTSStatusPending
	sf.seed(t, conv)
	sf.synth.downloadErr = errors.New("404 from synthesis service")

	w := doJSON(t, sf.router(userStranger), http.MethodPost, "/tts/callback", map[string]any{"task_id": "task-1", "status": "completed"})

	env := decodeEnvelope(t, w)
	require.Equal(t, 0, env.Code, env.Message)
	assert.JSONEq(t, `{"success":true,"message":"Status updated but audio download failed"}`, string(env.Data))
	stored := sf.get(t, "c1")
	assert.Equal(t, datatypes.TTSStatusCompleted, stored.TTSStatus)
	assert.Empty(t, stored.TTSFileURL)
}

func TestHandleTTSCallback_Rejections(t *testing.T) {
	sf := newSpeechFixture(t)
	router := sf.router(userStranger)

	w := doJSON(t, router, http.MethodPost, "/tts/callback", map[string]any{"status": "completed"})
	assert.Equal(t, int(datatypes.RetArgumentError), decodeEnvelope(t, w).Code)

	w = doJSON(t, router, http.MethodPost, "/tts/callback", map[string]any{"task_id": "ghost", "status": "failed"})
	assert.Equal(t, int(datatypes.RetDataError), decodeEnvelope(t, w).Code)
}

func TestHandleTTSGenerate_UnknownConversation(t *testing.T) {
	sf := newSpeechFixture(t)

	w := doJSON(t, sf.router(userWithSpeech), http.MethodPost, "/tts/generate", map[string]any{"conversation_id": "zz", "content": "x"})

	assert.Equal(t, int(datatypes.RetDataError), decodeEnvelope(t, w).Code)
}

// =============================================================================
// tts playback tiers
// =============================================================================

func TestHandleTTS_MessageTierWithoutTenantModel(t *testing.T) {
	sf := newSpeechFixture(t)
	conv := datatypes.NewConversation("c2", "d2", userPlain, "chat", "")
	conv.Message = append(conv.Message,
		datatypes.Message{ID: "q", Role: datatypes.RoleUser, Content: "?"},
		datatypes.Message{ID: "q", Role: datatypes.RoleAssistant, Content: "!",
			TTSStatus: datatypes.TTSStatusCompleted, TTSFileURL: sf.storeAudio(t, "c2", "msg.mp3", []byte("msg-audio"))},
	)
	sf.seed(t, conv)

	w := doJSON(t, sf.router(userPlain), http.MethodPost, "/tts", map[string]any{"conversation_id": "c2"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "msg-audio", w.Body.String())
}

func TestHandleTTS_NoModelNoAudio(t *testing.T) {
	sf := newSpeechFixture(t)

	w := doJSON(t, sf.router(userPlain), http.MethodPost, "/tts", map[string]any{"text": "hi"})

	env := decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetDataError), env.Code)
	assert.Equal(t, "No default TTS model is set", env.Message)
}

func TestHandleTTS_NoTenant(t *testing.T) {
	sf := newSpeechFixture(t)

	w := doJSON(t, sf.router(userStranger), http.MethodPost, "/tts", map[string]any{"text": "hi"})

	env := decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetDataError), env.Code)
	assert.Equal(t, "Tenant not found!", env.Message)
}

func TestHandleTTS_LiveSynthesis(t *testing.T) {
	sf := newSpeechFixture(t)

	w := doJSON(t, sf.router(userWithSpeech), http.MethodPost, "/tts", map[string]any{"text": "first。second\nthird"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "audio/mpeg", w.Header().Get("Content-Type"))
	assert.Equal(t, "<first><second><third>", w.Body.String())
}

func TestHandleTTS_LiveSynthesisFailsMidStream(t *testing.T) {
	sf := newSpeechFixture(t)
	sf.synth.synthErrOn = "second"

	w := doJSON(t, sf.router(userWithSpeech), http.MethodPost, "/tts", map[string]any{"text": "first;second;third"})

	body := w.Body.String()
	require.True(t, strings.HasPrefix(body, "<first>"), body)
	frames := sseFrames(strings.TrimPrefix(body, "<first>"))
	require.Len(t, frames, 1)
	errFrame := decodeFrame(t, frames[0])
	assert.Equal(t, int(datatypes.RetServerError), errFrame.Code)
	assert.Contains(t, string(errFrame.Data), "**ERROR**: voice unavailable")
	assert.NotContains(t, body, "<third>")
}

// =============================================================================
// tts/down
// =============================================================================

func TestHandleTTSDownload_Errors(t *testing.T) {
	sf := newSpeechFixture(t)
	sf.seed(t, nil)
	router := sf.router(userWithSpeech)

	w := doJSON(t, router, http.MethodGet, "/tts/down", nil)
	env := decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetArgumentError), env.Code)
	assert.Equal(t, "Missing conversation_id", env.Message)

	w = doJSON(t, router, http.MethodGet, "/tts/down?conversation_id=c1", nil)
	env = decodeEnvelope(t, w)
	assert.Equal(t, int(datatypes.RetDataError), env.Code)
	assert.Equal(t, "No TTS audio file available", env.Message)
}
