package wechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mp_watcher/internal/domain"
)

func testClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(Config{
		BaseURL:       baseURL,
		Timeout:       5 * time.Second,
		MaxAttempts:   3,
		RateLimitWait: time.Millisecond,
		MinDelay:      0,
		MaxDelay:      0,
	}, logger)
}

func testCredential() *domain.Credential {
	return &domain.Credential{Token: "tok-1", Cookie: "session=abc"}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestSearch_ParsesMatches(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, searchPath, r.URL.Path)
		require.Equal(t, "search_biz", r.URL.Query().Get("action"))
		require.Equal(t, "Tech Weekly", r.URL.Query().Get("query"))
		require.Equal(t, "tok-1", r.URL.Query().Get("token"))
		require.Equal(t, "session=abc", r.Header.Get("Cookie"))

		writeJSON(t, w, searchResponse{
			Ret: 0,
			List: []searchItem{
				{Nickname: "Tech Weekly", FakeID: "MzA5one", RoundHeadImg: "https://img.example.com/round.jpg"},
				{Nickname: "Tech Weekly Digest", FakeID: "MzA5two", HeadImg: "https://img.example.com/head.jpg"},
				{Nickname: "Tech Weekly Fans", FakeID: "MzA5three", Avatar: "https://img.example.com/avatar.jpg"},
			},
			Total: 3,
		})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	matches, err := client.Search(context.Background(), testCredential(), "Tech Weekly")
	require.NoError(t, err)
	require.Len(t, matches, 3)

	require.Equal(t, "MzA5one", matches[0].ExternalID)
	require.Equal(t, "Tech Weekly", matches[0].Name)
	require.Equal(t, "https://img.example.com/round.jpg", matches[0].AvatarURL)
	// fallback chain when round_head_img is absent
	require.Equal(t, "https://img.example.com/head.jpg", matches[1].AvatarURL)
	require.Equal(t, "https://img.example.com/avatar.jpg", matches[2].AvatarURL)
}

func TestSearch_RetriesFrequencyControl(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) <= 2 {
			writeJSON(t, w, searchResponse{Ret: retFreqControl, ErrMsg: "freq control"})
			return
		}
		writeJSON(t, w, searchResponse{
			List: []searchItem{{Nickname: "Tech Weekly", FakeID: "MzA5one"}},
		})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	matches, err := client.Search(context.Background(), testCredential(), "Tech Weekly")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, int32(3), requests.Load())
}

func TestSearch_ExhaustsAttempts(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(t, w, searchResponse{Ret: retFreqControl, ErrMsg: "freq control"})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Search(context.Background(), testCredential(), "Tech Weekly")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, int32(3), requests.Load())
}

func TestSearch_APIErrorNotRetried(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(t, w, searchResponse{Ret: 200003, ErrMsg: "invalid session"})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.Search(context.Background(), testCredential(), "Tech Weekly")
	require.Error(t, err)
	require.NotErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, int32(1), requests.Load())
}

func listingPage(begin, n int) listResponse {
	resp := listResponse{AppMsgCnt: 100}
	for i := 0; i < n; i++ {
		idx := begin + i
		resp.AppMsgList = append(resp.AppMsgList, appMsg{
			AID:        fmt.Sprintf("aid-%d", idx),
			Title:      fmt.Sprintf("Article %d", idx),
			Link:       fmt.Sprintf("https://mp.weixin.qq.com/s/item-%d", idx),
			UpdateTime: 1755670000 + int64(idx),
		})
	}
	return resp
}

func TestFetchListings_StopsOnShortPage(t *testing.T) {
	var begins []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, listPath, r.URL.Path)
		require.Equal(t, "list_ex", r.URL.Query().Get("action"))
		require.Equal(t, "MzA5one", r.URL.Query().Get("fakeid"))

		begin := r.URL.Query().Get("begin")
		begins = append(begins, begin)
		if begin == "0" {
			writeJSON(t, w, listingPage(0, pageSize))
			return
		}
		writeJSON(t, w, listingPage(pageSize, 2))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	listings, err := client.FetchListings(context.Background(), testCredential(), "MzA5one", 3)
	require.NoError(t, err)

	// the short second page ends the walk before page three
	require.Len(t, listings, pageSize+2)
	require.Equal(t, []string{"0", "5"}, begins)

	require.Equal(t, "Article 0", listings[0].Title)
	require.Equal(t, "https://mp.weixin.qq.com/s/item-0", listings[0].URL)
	require.Equal(t, time.Unix(1755670000, 0).UTC(), listings[0].PublishedAt)
}

func TestFetchListings_HonorsPageLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := requests.Add(1)
		writeJSON(t, w, listingPage(int(n-1)*pageSize, pageSize))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	listings, err := client.FetchListings(context.Background(), testCredential(), "MzA5one", 2)
	require.NoError(t, err)
	require.Len(t, listings, 2*pageSize)
	require.Equal(t, int32(2), requests.Load())
}

func TestFetchListings_EmptyAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, listingPage(0, 0))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	listings, err := client.FetchListings(context.Background(), testCredential(), "MzA5one", 3)
	require.NoError(t, err)
	require.Empty(t, listings)
}

func TestFetchListings_RetriesTransientFailure(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeJSON(t, w, listingPage(0, 1))
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	listings, err := client.FetchListings(context.Background(), testCredential(), "MzA5one", 1)
	require.NoError(t, err)
	require.Len(t, listings, 1)
	require.Equal(t, int32(2), requests.Load())
}

func TestFetchListings_ExhaustsAttemptsOnRateLimit(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		writeJSON(t, w, listResponse{BaseResp: baseResp{Ret: retFreqControl, ErrMsg: "freq control"}})
	}))
	defer server.Close()

	client := testClient(t, server.URL)
	_, err := client.FetchListings(context.Background(), testCredential(), "MzA5one", 1)
	require.ErrorIs(t, err, domain.ErrRateLimited)
	require.Equal(t, int32(3), requests.Load())
}
