package sms

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

func TestSendPostsVendorPayload(t *testing.T) {
	var captured map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/send", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("X-API-KEY"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		_, _ = w.Write([]byte(`{"Status": 200, "Data": [{"RefId": "a", "Status": 200}, {"RefId": "b", "Status": 422, "Error": "invalid number"}]}`))
	}))
	defer server.Close()

	client := NewClient(config.SMSConfig{APIKey: "secret", BaseURL: server.URL, LineNumber: "3000"}, server.Client(), nil)
	result, err := client.Send(context.Background(), []Message{
		{RefID: "a", Text: "code 123456", Recipients: []string{"09120000001"}},
		{RefID: "b", Text: "code 654321", Recipients: []string{"0912"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "b", result.Failures[0].RefID)

	assert.Equal(t, TypePersonalised, captured["Type"])
	assert.Equal(t, "3000", captured["LineNumber"])
	requests := captured["Requests"].([]interface{})
	require.Len(t, requests, 2)
	first := requests[0].(map[string]interface{})
	assert.Equal(t, "a", first["RefId"])
	assert.Equal(t, "code 123456", first["TextMessage"])
	assert.Equal(t, []interface{}{"09120000001"}, first["Recipients"])
}

func TestSendClassifiesVendorStatus(t *testing.T) {
	status := http.StatusBadRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"Message": "nope"}`))
	}))
	defer server.Close()
	client := NewClient(config.SMSConfig{APIKey: "secret", BaseURL: server.URL}, server.Client(), nil)
	batch := []Message{{RefID: "a", Text: "hi", Recipients: []string{"0912"}}}

	_, err := client.Send(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, jobs.IsPermanent(err))
	var vendorErr *VendorError
	require.True(t, errors.As(err, &vendorErr))
	assert.Equal(t, http.StatusBadRequest, vendorErr.StatusCode)

	status = http.StatusServiceUnavailable
	_, err = client.Send(context.Background(), batch)
	require.Error(t, err)
	assert.False(t, jobs.IsPermanent(err))
}

func TestSendWithoutKeyIsPermanent(t *testing.T) {
	client := NewClient(config.SMSConfig{}, nil, nil)
	_, err := client.Send(context.Background(), []Message{{RefID: "a"}})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.True(t, jobs.IsPermanent(err))
}

func TestSendRejectsOversizedBatch(t *testing.T) {
	client := NewClient(config.SMSConfig{APIKey: "k"}, nil, nil)
	_, err := client.Send(context.Background(), make([]Message, MaxBatch+1))
	assert.True(t, jobs.IsPermanent(err))

	result, err := client.Send(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Accepted)
}
