package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/postdeck/internal/model"
)

func connectedRepo(platform string) *mockConnRepo {
	return &mockConnRepo{
		findConnectedFunc: func(ctx context.Context, userID, p string) (*model.PlatformConnection, error) {
			return validConnection(platform), nil
		},
	}
}

func TestTwitterPublisher_Publish_Success(t *testing.T) {
	var buf bytes.Buffer

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2/tweets" {
			t.Errorf("path = %s, want /2/tweets", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("Authorization = %q", got)
		}

		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("リクエストボディのパースに失敗: %v", err)
		}
		if body["text"] != "hello world" {
			t.Errorf("text = %q", body["text"])
		}

		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1234567890"}}`))
	}))
	defer server.Close()

	p := NewTwitterPublisher(connectedRepo("twitter"), server.Client(), NewPacer(), newTestLogger(&buf))
	p.endpoint = server.URL

	outcome := p.Publish(context.Background(), "user-1", "hello world", nil)
	if !outcome.Success {
		t.Fatalf("成功レスポンスで失敗Outcomeが返った: %s", outcome.Error)
	}
	if outcome.PostID != "1234567890" {
		t.Errorf("PostID = %q", outcome.PostID)
	}
	if !strings.Contains(outcome.URL, "1234567890") {
		t.Errorf("URL = %q, 外部投稿IDを含むパーマリンクであるべき", outcome.URL)
	}
}

func TestTwitterPublisher_Publish_Rejected(t *testing.T) {
	var buf bytes.Buffer

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"detail":"You are not permitted to create Tweets"}`))
	}))
	defer server.Close()

	p := NewTwitterPublisher(connectedRepo("twitter"), server.Client(), NewPacer(), newTestLogger(&buf))
	p.endpoint = server.URL

	outcome := p.Publish(context.Background(), "user-1", "hello", nil)
	if outcome.Success {
		t.Fatal("API拒否で成功Outcomeが返った")
	}
	// 上流の拒否理由はユーザー可視のためそのまま引き継がれる
	if !strings.Contains(outcome.Error, "not permitted") {
		t.Errorf("Error = %q, 上流の拒否理由を含むべき", outcome.Error)
	}
}

func TestTwitterPublisher_Publish_NotConnected(t *testing.T) {
	var buf bytes.Buffer

	p := NewTwitterPublisher(&mockConnRepo{}, &http.Client{}, NewPacer(), newTestLogger(&buf))

	outcome := p.Publish(context.Background(), "user-1", "hello", nil)
	if outcome.Success {
		t.Fatal("未接続で成功Outcomeが返った")
	}
	if outcome.Error != "twitter が接続されていません" {
		t.Errorf("Error = %q", outcome.Error)
	}
}

func TestTwitterPublisher_Publish_Timeout(t *testing.T) {
	var buf bytes.Buffer

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer server.Close()

	p := NewTwitterPublisher(connectedRepo("twitter"), server.Client(), NewPacer(), newTestLogger(&buf))
	p.endpoint = server.URL

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	outcome := p.Publish(ctx, "user-1", "hello", nil)
	if outcome.Success {
		t.Fatal("タイムアウトで成功Outcomeが返った")
	}
	if outcome.Error != "配信がタイムアウトしました" {
		t.Errorf("Error = %q, タイムアウト専用の理由であるべき", outcome.Error)
	}
}

func TestTwitterPublisher_Publish_MissingID(t *testing.T) {
	var buf bytes.Buffer

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{}}`))
	}))
	defer server.Close()

	p := NewTwitterPublisher(connectedRepo("twitter"), server.Client(), NewPacer(), newTestLogger(&buf))
	p.endpoint = server.URL

	outcome := p.Publish(context.Background(), "user-1", "hello", nil)
	if outcome.Success {
		t.Fatal("投稿IDなしのレスポンスで成功Outcomeが返った")
	}
}

func TestTwitterPublisher_Publish_RateLimited(t *testing.T) {
	var buf bytes.Buffer

	repo := &mockConnRepo{
		findConnectedFunc: func(ctx context.Context, userID, platform string) (*model.PlatformConnection, error) {
			c := validConnection(platform)
			c.PostsPerHour = 1
			return c, nil
		},
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":"1"}}`))
	}))
	defer server.Close()

	p := NewTwitterPublisher(repo, server.Client(), NewPacer(), newTestLogger(&buf))
	p.endpoint = server.URL

	if outcome := p.Publish(context.Background(), "user-1", "hello", nil); !outcome.Success {
		t.Fatalf("1回目は成功するべき: %s", outcome.Error)
	}
	outcome := p.Publish(context.Background(), "user-1", "hello again", nil)
	if outcome.Success {
		t.Fatal("レート上限超過で成功Outcomeが返った")
	}
	if !strings.Contains(outcome.Error, "レート上限") {
		t.Errorf("Error = %q", outcome.Error)
	}
}
