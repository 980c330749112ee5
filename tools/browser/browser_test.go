package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const testPage = `<!doctype html>
<html>
<head><title>Solar Report</title></head>
<body>
<article>
<h1>Solar Report</h1>
<p>Solar adoption grew twenty percent last year according to the agency data.
Analysts expect the trend to continue through the decade as panel costs fall
and storage capacity improves across all major markets worldwide.</p>
<p>Grid operators are investing in flexibility measures to absorb the added
midday generation, including batteries and demand response programs.</p>
</article>
</body>
</html>`

func TestBrowseExtractsReadableText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPage)
	}))
	defer srv.Close()

	tool := New("")
	content, err := tool.Browse(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "# Solar Report") {
		t.Errorf("title missing: %q", content)
	}
	if !strings.Contains(content, "Solar adoption grew") {
		t.Errorf("body text missing: %q", content)
	}
	if strings.Contains(content, "<p>") {
		t.Error("markup leaked into extracted text")
	}
}

func TestBrowseRejectsBadURLs(t *testing.T) {
	tool := New("")
	for _, u := range []string{"ftp://host/file", "not a url at all", "file:///etc/passwd"} {
		if _, err := tool.Browse(context.Background(), u); err == nil {
			t.Errorf("url %q was accepted", u)
		}
	}
}

func TestBrowseHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	tool := New("")
	if _, err := tool.Browse(context.Background(), srv.URL); err == nil {
		t.Error("404 should be an error")
	}
}

func TestSearchReturnsResultsAndSources(t *testing.T) {
	pages := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPage)
	}))
	defer pages.Close()

	var gotToken, gotQuery string
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("X-Subscription-Token")
		gotQuery = r.URL.Query().Get("q")
		json.NewEncoder(w).Encode(map[string]any{
			"web": map[string]any{
				"results": []map[string]string{
					{"title": "Solar Report", "url": pages.URL, "description": "adoption stats"},
				},
			},
		})
	}))
	defer search.Close()

	tool := New("brave-key", WithSearchURL(search.URL))
	content, err := tool.Search(context.Background(), "solar adoption")
	if err != nil {
		t.Fatal(err)
	}
	if gotToken != "brave-key" {
		t.Errorf("token = %q", gotToken)
	}
	if gotQuery != "solar adoption" {
		t.Errorf("query = %q", gotQuery)
	}
	if !strings.Contains(content, "[1] Solar Report") || !strings.Contains(content, "adoption stats") {
		t.Errorf("content = %q", content)
	}
	if !strings.Contains(content, "Solar adoption grew") {
		t.Error("fetched page content missing from results")
	}
	if !strings.Contains(content, "Sources:") || !strings.Contains(content, pages.URL) {
		t.Error("source list missing")
	}
}

func TestSearchWithoutKeyReportsUnconfigured(t *testing.T) {
	tool := New("")
	_, err := tool.Search(context.Background(), "anything")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Errorf("err = %v", err)
	}
}

func TestSearchEmptyResults(t *testing.T) {
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"web": map[string]any{"results": []any{}}})
	}))
	defer search.Close()

	tool := New("key", WithSearchURL(search.URL))
	content, err := tool.Search(context.Background(), "nothing matches this")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(content, "No results") {
		t.Errorf("content = %q", content)
	}
}

func TestSearchAPIError(t *testing.T) {
	search := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, "bad key")
	}))
	defer search.Close()

	tool := New("wrong", WithSearchURL(search.URL))
	_, err := tool.Search(context.Background(), "q")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteDispatch(t *testing.T) {
	tool := New("")

	res, err := tool.Execute(context.Background(), "web_search", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "query is required") {
		t.Errorf("error = %q", res.Error)
	}

	res, err = tool.Execute(context.Background(), "sandbox_browser", json.RawMessage(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "url is required") {
		t.Errorf("error = %q", res.Error)
	}

	res, err = tool.Execute(context.Background(), "teleport", json.RawMessage(`{"url":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Error, "unknown browser tool") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestDefinitionsExposeBothTools(t *testing.T) {
	defs := New("").Definitions()
	if len(defs) != 2 {
		t.Fatalf("defs = %d", len(defs))
	}
	names := map[string]bool{}
	for _, d := range defs {
		names[d.Name] = true
	}
	if !names["web_search"] || !names["sandbox_browser"] {
		t.Errorf("names = %v", names)
	}
}
