// Package requestlist implements the static, resumable request sequence
// described in spec.md §4.4: a frozen list of sources (inline URLs plus
// remote URL-list files), served in order with a LIFO-drained reclaim set
// and a persisted (nextIndex, nextUniqueKey) resume sentinel. Source
// loading (line-by-line text, optional decompression) generalizes the
// teacher's proxy.ProxyManager.LoadProxies line-scanning shape; the
// multi-source fan-in uses hashicorp/go-multierror the way a loader
// collecting several independent remote fetches should report partial
// failure.
package requestlist

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/crawlee-go/crawlee/config"
	"github.com/crawlee-go/crawlee/request"
	"github.com/crawlee-go/crawlee/storage"
)

// RemoteSource declares one requestsFromUrl entry (spec.md §4.4): a remote
// URL-list file decoded by matching urlRegexp against its contents.
type RemoteSource struct {
	URL       string
	URLRegexp *regexp.Regexp
}

// State is the persisted RequestListState record (spec.md §3).
type State struct {
	NextIndex     int      `json:"next_index"`
	NextUniqueKey string   `json:"next_unique_key"`
	InProgress    []string `json:"in_progress"`
	Reclaimed     []string `json:"reclaimed"`
}

// googleSheetsShareRe matches a Google Sheets share URL so it can be
// rewritten to its CSV export form, per spec.md §4.4 ("spreadsheet
// share-URLs are rewritten to CSV export URLs").
var googleSheetsShareRe = regexp.MustCompile(`^https://docs\.google\.com/spreadsheets/d/([^/]+)/`)

func rewriteGoogleSheetsURL(raw string) string {
	m := googleSheetsShareRe.FindStringSubmatch(raw)
	if m == nil {
		return raw
	}
	return fmt.Sprintf("https://docs.google.com/spreadsheets/d/%s/export?format=csv", m[1])
}

// RequestList serves a frozen, index-addressable sequence of requests.
type RequestList struct {
	name       string
	store      storage.Client
	cfg        config.RequestListConfig
	httpClient *http.Client

	mu            sync.Mutex
	frozen        []*request.Request
	nextIndex     int
	inProgress    map[string]*request.Request
	reclaimedKeys []string // LIFO stack of uniqueKeys
	byUniqueKey   map[string]*request.Request
	handled       map[string]bool

	persistStop chan struct{}
	persistOnce sync.Once
	persistWG   sync.WaitGroup
}

// New constructs an uninitialized RequestList. Call Initialize before use.
func New(name string, store storage.Client, cfg config.RequestListConfig) *RequestList {
	return &RequestList{
		name:        name,
		store:       store,
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		inProgress:  make(map[string]*request.Request),
		byUniqueKey: make(map[string]*request.Request),
		handled:     make(map[string]bool),
	}
}

// Initialize loads inline plus remote sources, freezes their order, and
// (if KeepDuplicateURLs is false) drops duplicate uniqueKeys in source
// order. It then attempts to resume from any previously persisted State
// under name; a (nextIndex, nextUniqueKey) mismatch against the frozen
// sequence fails loudly per spec.md §4.4's resumability invariant — unless
// PersistRequestsKey is configured, in which case the frozen source itself
// was persisted verbatim on a prior run and is reloaded from there instead
// of being rebuilt from inline/remotes, so it can never drift from the
// persisted resume cursor.
func (l *RequestList) Initialize(ctx context.Context, inline []*request.Request, remotes []RemoteSource) error {
	if l.cfg.PersistRequestsKey != "" {
		frozen, ok, err := l.loadPersistedFrozenSource(ctx)
		if err != nil {
			return err
		}
		if ok {
			l.setFrozen(frozen)
			if err := l.resume(ctx); err != nil {
				return err
			}
			l.startAutoPersist(ctx)
			return nil
		}
	}

	var merr *multierror.Error

	all := make([]*request.Request, 0, len(inline))
	all = append(all, inline...)

	for _, rs := range remotes {
		reqs, err := l.loadRemoteSource(ctx, rs)
		if err != nil {
			merr = multierror.Append(merr, fmt.Errorf("requestlist: source %q: %w", rs.URL, err))
			continue
		}
		all = append(all, reqs...)
	}
	if err := merr.ErrorOrNil(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(all))
	frozen := make([]*request.Request, 0, len(all))
	for _, r := range all {
		if !l.cfg.KeepDuplicateURLs {
			if seen[r.UniqueKey()] {
				continue
			}
			seen[r.UniqueKey()] = true
		}
		frozen = append(frozen, r)
	}

	l.setFrozen(frozen)

	if l.cfg.PersistRequestsKey != "" {
		if err := l.persistFrozenSource(ctx); err != nil {
			return err
		}
	}

	if err := l.resume(ctx); err != nil {
		return err
	}

	l.startAutoPersist(ctx)
	return nil
}

func (l *RequestList) setFrozen(frozen []*request.Request) {
	l.mu.Lock()
	l.frozen = frozen
	l.byUniqueKey = make(map[string]*request.Request, len(frozen))
	for _, r := range frozen {
		l.byUniqueKey[r.UniqueKey()] = r
	}
	l.mu.Unlock()
}

// frozenSourceState is the verbatim, serializable form of the frozen
// sequence persisted under PersistRequestsKey.
type frozenSourceState struct {
	Requests []frozenRequestRecord `json:"requests"`
}

type frozenRequestRecord struct {
	URL       string `json:"url"`
	UniqueKey string `json:"unique_key"`
}

func (l *RequestList) loadPersistedFrozenSource(ctx context.Context) ([]*request.Request, bool, error) {
	data, err := l.store.GetState(ctx, "request_lists", l.cfg.PersistRequestsKey)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("requestlist: load persisted source: %w", err)
	}

	var st frozenSourceState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false, fmt.Errorf("requestlist: decode persisted source: %w", err)
	}
	frozen := make([]*request.Request, len(st.Requests))
	for i, rec := range st.Requests {
		frozen[i] = request.New(rec.URL, rec.UniqueKey)
	}
	return frozen, true, nil
}

func (l *RequestList) persistFrozenSource(ctx context.Context) error {
	l.mu.Lock()
	recs := make([]frozenRequestRecord, len(l.frozen))
	for i, r := range l.frozen {
		recs[i] = frozenRequestRecord{URL: r.URL, UniqueKey: r.UniqueKey()}
	}
	l.mu.Unlock()

	data, err := json.Marshal(frozenSourceState{Requests: recs})
	if err != nil {
		return fmt.Errorf("requestlist: marshal persisted source: %w", err)
	}
	return l.store.PutState(ctx, "request_lists", l.cfg.PersistRequestsKey, data)
}

func (l *RequestList) resume(ctx context.Context) error {
	data, err := l.store.GetState(ctx, "request_lists", l.name)
	if err == storage.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("requestlist: load state: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("requestlist: decode state: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if st.NextIndex < len(l.frozen) {
		got := l.frozen[st.NextIndex].UniqueKey()
		if got != st.NextUniqueKey {
			return fmt.Errorf("requestlist: resume drift at index %d: persisted uniqueKey %q, source has %q", st.NextIndex, st.NextUniqueKey, got)
		}
	} else if st.NextUniqueKey != "" {
		return fmt.Errorf("requestlist: resume drift: persisted nextIndex %d is past the end of a %d-length source", st.NextIndex, len(l.frozen))
	}

	l.nextIndex = st.NextIndex
	for _, uk := range st.Reclaimed {
		l.reclaimedKeys = append(l.reclaimedKeys, uk)
	}
	for i := 0; i < st.NextIndex; i++ {
		l.handled[l.frozen[i].UniqueKey()] = true
	}
	for _, uk := range st.InProgress {
		// A crash mid-run leaves in-progress entries stranded; treat them
		// as reclaimed so they are re-served rather than lost.
		l.reclaimedKeys = append(l.reclaimedKeys, uk)
		delete(l.handled, uk)
	}
	return nil
}

// FetchNextRequest implements spec.md §4.4's fetchNextRequest: the
// reclaimed set drains LIFO before nextIndex advances; returns nil when
// exhausted.
func (l *RequestList) FetchNextRequest() *request.Request {
	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.reclaimedKeys) > 0 {
		uk := l.reclaimedKeys[len(l.reclaimedKeys)-1]
		l.reclaimedKeys = l.reclaimedKeys[:len(l.reclaimedKeys)-1]
		r, ok := l.byUniqueKey[uk]
		if !ok || l.handled[uk] {
			continue
		}
		l.inProgress[uk] = r
		return r
	}

	for l.nextIndex < len(l.frozen) {
		r := l.frozen[l.nextIndex]
		l.nextIndex++
		if l.handled[r.UniqueKey()] {
			continue
		}
		l.inProgress[r.UniqueKey()] = r
		return r
	}
	return nil
}

// MarkRequestHandled implements spec.md §4.4's markRequestHandled.
func (l *RequestList) MarkRequestHandled(r *request.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inProgress, r.UniqueKey())
	l.handled[r.UniqueKey()] = true
}

// ReclaimRequest implements spec.md §4.4's reclaimRequest: the request
// moves from inProgress back onto the LIFO reclaimed stack.
func (l *RequestList) ReclaimRequest(r *request.Request) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inProgress, r.UniqueKey())
	l.reclaimedKeys = append(l.reclaimedKeys, r.UniqueKey())
}

// IsEmpty implements spec.md §4.4's isEmpty().
func (l *RequestList) IsEmpty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reclaimedKeys) == 0 && l.nextIndex >= len(l.frozen) && len(l.inProgress) == 0
}

// IsFinished implements spec.md §4.4's isFinished().
func (l *RequestList) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handled) == len(l.frozen)
}

// Length implements spec.md §4.4's length().
func (l *RequestList) Length() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frozen)
}

// HandledCount implements spec.md §4.4's handledCount().
func (l *RequestList) HandledCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handled)
}

// GetState implements spec.md §4.4's getState().
func (l *RequestList) GetState() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	var nextUK string
	if l.nextIndex < len(l.frozen) {
		nextUK = l.frozen[l.nextIndex].UniqueKey()
	}
	inProg := make([]string, 0, len(l.inProgress))
	for uk := range l.inProgress {
		inProg = append(inProg, uk)
	}
	reclaimed := make([]string, len(l.reclaimedKeys))
	copy(reclaimed, l.reclaimedKeys)

	return State{
		NextIndex:     l.nextIndex,
		NextUniqueKey: nextUK,
		InProgress:    inProg,
		Reclaimed:     reclaimed,
	}
}

// PersistState implements spec.md §4.4's persistState().
func (l *RequestList) PersistState(ctx context.Context) error {
	st := l.GetState()
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("requestlist: marshal state: %w", err)
	}
	return l.store.PutState(ctx, "request_lists", l.name, data)
}

func (l *RequestList) startAutoPersist(ctx context.Context) {
	intervalSecs := l.cfg.PersistStateIntervalSecs
	if intervalSecs <= 0 {
		return
	}
	l.persistStop = make(chan struct{})
	l.persistWG.Add(1)
	go func() {
		defer l.persistWG.Done()
		ticker := time.NewTicker(time.Duration(intervalSecs) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-l.persistStop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = l.PersistState(ctx)
			}
		}
	}()
}

// StopAutoPersist halts the background persistence ticker started by
// Initialize, if any.
func (l *RequestList) StopAutoPersist() {
	if l.persistStop == nil {
		return
	}
	l.persistOnce.Do(func() { close(l.persistStop) })
	l.persistWG.Wait()
}

func (l *RequestList) loadRemoteSource(ctx context.Context, rs RemoteSource) ([]*request.Request, error) {
	fetchURL := rewriteGoogleSheetsURL(rs.URL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := decompress(resp)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	return parseURLList(body, rs.URLRegexp)
}

// decompress transparently handles gzip/deflate Content-Encoding so remote
// URL-list files may be served compressed (spec.md §4.4).
func decompress(resp *http.Response) (io.ReadCloser, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		return io.NopCloser(flate.NewReader(resp.Body)), nil
	default:
		return resp.Body, nil
	}
}

// defaultURLRegexp matches bare http(s) URLs when no explicit urlRegexp is
// supplied.
var defaultURLRegexp = regexp.MustCompile(`https?://[^\s"'<>]+`)

func parseURLList(r io.Reader, urlRegexp *regexp.Regexp) ([]*request.Request, error) {
	if urlRegexp == nil {
		urlRegexp = defaultURLRegexp
	}

	var out []*request.Request
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, match := range urlRegexp.FindAllString(scanner.Text(), -1) {
			if _, err := url.Parse(match); err != nil {
				continue
			}
			out = append(out, request.New(match, ""))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
