package hume

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
)

func TestPaginator_Cursor(t *testing.T) {
	var (
		mu      sync.Mutex
		cursors []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := r.URL.Query().Get("cursor")
		mu.Lock()
		cursors = append(cursors, c)
		mu.Unlock()
		switch c {
		case "":
			fmt.Fprint(w, `{"items":[1,2],"next_cursor":"abc"}`)
		case "abc":
			fmt.Fprint(w, `{"items":[3],"next_cursor":null}`)
		default:
			t.Errorf("unexpected cursor %q", c)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()
	e, _ := newTestExecutor(t, srv.URL, NoRetry(), nil)

	p := NewPaginator[int](e, NewRequest(http.MethodGet, "/items", WithQuery("limit", "2")))
	ctx := context.Background()

	first, err := p.NextPage(ctx)
	if err != nil || first == nil || !slices.Equal(first.Items, []int{1, 2}) || first.Cursor != "abc" {
		t.Fatalf("first page = %+v, %v", first, err)
	}
	second, err := p.NextPage(ctx)
	if err != nil || second == nil || !slices.Equal(second.Items, []int{3}) || second.Cursor != "" {
		t.Fatalf("second page = %+v, %v", second, err)
	}
	done, err := p.NextPage(ctx)
	if err != nil || done != nil {
		t.Fatalf("expected exhausted paginator, got %+v, %v", done, err)
	}
	if !slices.Equal(cursors, []string{"", "abc"}) {
		t.Errorf("cursors sent = %q", cursors)
	}
}

func TestPaginator_ErrorDoesNotAdvance(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "next" && fail {
			fail = false
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.URL.Query().Get("cursor") == "next" {
			fmt.Fprint(w, `{"items":["b"]}`)
			return
		}
		fmt.Fprint(w, `{"items":["a"],"next_cursor":"next"}`)
	}))
	defer srv.Close()
	e, _ := newTestExecutor(t, srv.URL, NoRetry(), nil)
	p := NewPaginator[string](e, NewRequest(http.MethodGet, "/items"))
	ctx := context.Background()

	if _, err := p.NextPage(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := p.NextPage(ctx); err == nil {
		t.Fatal("expected error on second page")
	}
	page, err := p.NextPage(ctx)
	if err != nil || page == nil || !slices.Equal(page.Items, []string{"b"}) {
		t.Fatalf("retrying the failed page = %+v, %v", page, err)
	}
}

func TestPaginator_ConcurrentUse(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		fmt.Fprint(w, `{"items":[1]}`)
	}))
	defer srv.Close()
	e, _ := newTestExecutor(t, srv.URL, NoRetry(), nil)
	p := NewPaginator[int](e, NewRequest(http.MethodGet, "/items"))

	errc := make(chan error, 1)
	go func() {
		_, err := p.NextPage(context.Background())
		errc <- err
	}()
	<-entered
	if _, err := p.NextPage(context.Background()); !errors.Is(err, ErrConcurrentPagination) {
		t.Errorf("expected ErrConcurrentPagination, got %v", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Errorf("first call failed: %v", err)
	}
}

func TestPaginator_All(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page_number") {
		case "0":
			fmt.Fprint(w, `{"page_number":0,"page_size":2,"total_pages":2,"chats_page":[{"id":"c1"},{"id":"c2"}]}`)
		case "1":
			fmt.Fprint(w, `{"page_number":1,"page_size":2,"total_pages":2,"chats_page":[{"id":"c3"}]}`)
		default:
			t.Errorf("unexpected page %q", r.URL.Query().Get("page_number"))
		}
	}))
	defer srv.Close()
	c, err := NewClient(Config{BaseURL: srv.URL, Credential: StaticKey("k")})
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for chat, err := range c.Chat().ListChats(ListOptions{PageSize: 2}).All(context.Background()) {
		if err != nil {
			t.Fatalf("All yielded error: %v", err)
		}
		ids = append(ids, chat.ID)
	}
	if !slices.Equal(ids, []string{"c1", "c2", "c3"}) {
		t.Errorf("ids = %v", ids)
	}
}

func TestPageNumberCursor(t *testing.T) {
	decode := PageNumberCursor[Voice]("voices_page")
	tests := []struct {
		name string
		body string
		want string
	}{
		{"more pages", `{"page_number":0,"page_size":1,"total_pages":3,"voices_page":[{"id":"v"}]}`, "1"},
		{"last by total", `{"page_number":2,"page_size":1,"total_pages":3,"voices_page":[{"id":"v"}]}`, ""},
		{"short page", `{"page_number":0,"page_size":10,"voices_page":[{"id":"v"}]}`, ""},
		{"empty", `{"page_number":4,"voices_page":[]}`, ""},
		{"no totals", `{"page_number":0,"voices_page":[{"id":"v"}]}`, "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := decode([]byte(tt.body))
			if err != nil {
				t.Fatal(err)
			}
			if page.Cursor != tt.want {
				t.Errorf("Cursor = %q, want %q", page.Cursor, tt.want)
			}
		})
	}
	if _, err := decode([]byte(`[]`)); !errors.Is(err, ErrDecode) {
		t.Errorf("expected decode error, got %v", err)
	}
}
