package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGetFileSendsBearerToken(t *testing.T) {
	var fileID = uuid.New()
	var versionID = uuid.New()

	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/files/"+fileID.String(), r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		fmt.Fprintf(w, `{
			"id": %q,
			"filename": "analysis.ipynb",
			"current_version_id": %q,
			"presigned_download_url": "https://storage.example.com/obj?sig=abc"
		}`, fileID, versionID)
	}))
	defer srv.Close()

	var client = NewClient(srv.URL, "secret")
	var file, err = client.GetFile(context.Background(), fileID)
	require.NoError(t, err)
	require.Equal(t, fileID, file.ID)
	require.Equal(t, versionID, file.CurrentVersionID)
	require.Equal(t, "https://storage.example.com/obj?sig=abc", file.PresignedDownloadURL)
}

func TestGetFileNonOKStatus(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	var _, err = NewClient(srv.URL, "secret").GetFile(context.Background(), uuid.New())
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

func TestDownloadNotebookSkipsAuthHeader(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"nbformat": 4, "nbformat_minor": 5, "metadata": {}, "cells": []}`)
	}))
	defer srv.Close()

	var nb, err = NewClient("https://app.example.com/gate/api", "secret").
		DownloadNotebook(context.Background(), srv.URL+"/obj?sig=abc")
	require.NoError(t, err)
	require.Equal(t, 4, nb.NBFormat)
	require.Empty(t, nb.Cells)
}

func TestRTUURLSchemes(t *testing.T) {
	require.Equal(t, "wss://app.example.com/gate/api/v1/rtu",
		NewClient("https://app.example.com/gate/api", "t").RTUURL())
	require.Equal(t, "ws://localhost:8989/api/v1/rtu",
		NewClient("http://localhost:8989/api/", "t").RTUURL())
}
