package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ValerySidorin/raijin"
)

var (
	ErrSubNotFound      = errors.New("subscription does not exist")
	ErrSubAlreadyExists = errors.New("subscription already exists")
	ErrSubAmbiguous     = errors.New("ambiguous subscription target")
	ErrInvalidQuery     = errors.New("invalid query")
	ErrStaleAck         = errors.New("stale acknowledgment")
)

type subscription struct {
	id       int64
	name     string
	query    *Query
	cursor   uint64
	disabled bool
	mentor   string

	lastBatchAck   time.Time
	lastClientConn time.Time
}

// Subscriptions is the subscription state registry of a node. The cursor it
// records per subscription only ever advances, and only on acknowledgment.
type Subscriptions struct {
	mu     sync.RWMutex
	store  *Store
	nextID int64
	byName map[string]*subscription
}

func NewSubscriptions(s *Store) *Subscriptions {
	return &Subscriptions{
		store:  s,
		byName: make(map[string]*subscription),
	}
}

func (r *Subscriptions) Create(opts raijin.SubscriptionCreationOptions) (raijin.SubscriptionState, error) {
	if opts.Query == "" {
		return raijin.SubscriptionState{}, fmt.Errorf("%w: query required", ErrInvalidQuery)
	}
	q, err := ParseQuery(opts.Query)
	if err != nil {
		return raijin.SubscriptionState{}, fmt.Errorf("%w: %s", ErrInvalidQuery, err)
	}
	cursor, err := ParseChangeVector(opts.ChangeVector)
	if err != nil {
		return raijin.SubscriptionState{}, fmt.Errorf("%w: %s", ErrInvalidQuery, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.Name != "" {
		if _, ok := r.byName[opts.Name]; ok {
			return raijin.SubscriptionState{}, fmt.Errorf("create %s: %w", opts.Name, ErrSubAlreadyExists)
		}
	}

	r.nextID++
	name := opts.Name
	if name == "" {
		for {
			name = strconv.FormatInt(r.nextID, 10)
			if _, ok := r.byName[name]; !ok {
				break
			}
			r.nextID++
		}
	}
	sub := &subscription{
		id:     r.nextID,
		name:   name,
		query:  q,
		cursor: cursor,
		mentor: opts.MentorNode,
	}
	r.byName[name] = sub
	return r.stateLocked(sub), nil
}

// Update resolves the target by key or name, key taking precedence, and
// replaces its query. The cursor is preserved. A query identical to the
// current one is reported as not modified.
func (r *Subscriptions) Update(opts raijin.SubscriptionUpdateOptions) (raijin.SubscriptionState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var target *subscription
	switch {
	case opts.Key != 0:
		for _, sub := range r.byName {
			if sub.id == opts.Key {
				target = sub
				break
			}
		}
		if target == nil {
			return raijin.SubscriptionState{}, false, fmt.Errorf("update key %d: %w", opts.Key, ErrSubNotFound)
		}
		if opts.Name != "" {
			if byName, ok := r.byName[opts.Name]; ok && byName != target {
				return raijin.SubscriptionState{}, false,
					fmt.Errorf("update: name %s and key %d resolve differently: %w", opts.Name, opts.Key, ErrSubAmbiguous)
			}
		}
	case opts.Name != "":
		var ok bool
		target, ok = r.byName[opts.Name]
		if !ok {
			if !opts.CreateIfMissing {
				return raijin.SubscriptionState{}, false, fmt.Errorf("update %s: %w", opts.Name, ErrSubNotFound)
			}
			return r.createMissingLocked(opts)
		}
	default:
		return raijin.SubscriptionState{}, false, errors.New("update: subscription name or key required")
	}

	if opts.Query == "" {
		return raijin.SubscriptionState{}, false, fmt.Errorf("%w: query required", ErrInvalidQuery)
	}
	if target.query.Raw == opts.Query {
		return r.stateLocked(target), true, nil
	}
	q, err := ParseQuery(opts.Query)
	if err != nil {
		return raijin.SubscriptionState{}, false, fmt.Errorf("%w: %s", ErrInvalidQuery, err)
	}
	target.query = q
	return r.stateLocked(target), false, nil
}

func (r *Subscriptions) createMissingLocked(opts raijin.SubscriptionUpdateOptions) (raijin.SubscriptionState, bool, error) {
	if opts.Query == "" {
		return raijin.SubscriptionState{}, false, fmt.Errorf("%w: query required", ErrInvalidQuery)
	}
	q, err := ParseQuery(opts.Query)
	if err != nil {
		return raijin.SubscriptionState{}, false, fmt.Errorf("%w: %s", ErrInvalidQuery, err)
	}
	r.nextID++
	sub := &subscription{
		id:    r.nextID,
		name:  opts.Name,
		query: q,
	}
	r.byName[sub.name] = sub
	return r.stateLocked(sub), false, nil
}

func (r *Subscriptions) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[name]; !ok {
		return fmt.Errorf("delete %s: %w", name, ErrSubNotFound)
	}
	delete(r.byName, name)
	return nil
}

func (r *Subscriptions) SetDisabled(name string, disabled bool) (raijin.SubscriptionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byName[name]
	if !ok {
		return raijin.SubscriptionState{}, fmt.Errorf("set disabled %s: %w", name, ErrSubNotFound)
	}
	sub.disabled = disabled
	return r.stateLocked(sub), nil
}

func (r *Subscriptions) State(name string) (raijin.SubscriptionState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.byName[name]
	if !ok {
		return raijin.SubscriptionState{}, fmt.Errorf("state %s: %w", name, ErrSubNotFound)
	}
	return r.stateLocked(sub), nil
}

// List returns subscription snapshots ordered by id, offset paginated.
// A non-positive pageSize means no limit.
func (r *Subscriptions) List(start, pageSize int) []raijin.SubscriptionState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := make([]*subscription, 0, len(r.byName))
	for _, sub := range r.byName {
		subs = append(subs, sub)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })

	if start < 0 {
		start = 0
	}
	if start >= len(subs) {
		return nil
	}
	subs = subs[start:]
	if pageSize > 0 && pageSize < len(subs) {
		subs = subs[:pageSize]
	}

	out := make([]raijin.SubscriptionState, len(subs))
	for i, sub := range subs {
		out[i] = r.stateLocked(sub)
	}
	return out
}

// View is the snapshot a streaming loop reads before building each batch,
// so live query updates and disabling take effect on the next batch.
type View struct {
	Query    *Query
	Cursor   uint64
	Disabled bool
}

func (r *Subscriptions) View(name string) (View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, ok := r.byName[name]
	if !ok {
		return View{}, fmt.Errorf("view %s: %w", name, ErrSubNotFound)
	}
	return View{Query: sub.query, Cursor: sub.cursor, Disabled: sub.disabled}, nil
}

// Ack advances the durable cursor. Re-acknowledging the current position is
// accepted silently; anything older is refused.
func (r *Subscriptions) Ack(name, cv string) error {
	etag, err := ParseChangeVector(cv)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("ack %s: %w", name, ErrSubNotFound)
	}
	if etag < sub.cursor {
		return fmt.Errorf("ack %s at %d behind %d: %w", name, etag, sub.cursor, ErrStaleAck)
	}
	sub.cursor = etag
	sub.lastBatchAck = time.Now().UTC()
	return nil
}

func (r *Subscriptions) TouchConnection(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.byName[name]; ok {
		sub.lastClientConn = time.Now().UTC()
	}
}

func (r *Subscriptions) Count() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.byName))
}

func (r *Subscriptions) stateLocked(sub *subscription) raijin.SubscriptionState {
	return raijin.SubscriptionState{
		SubscriptionID:                        sub.id,
		SubscriptionName:                      sub.name,
		Query:                                 sub.query.Raw,
		ChangeVectorForNextBatchStartingPoint: r.store.ChangeVector(sub.cursor),
		Disabled:                              sub.disabled,
		MentorNode:                            sub.mentor,
		LastBatchAckTime:                      sub.lastBatchAck,
		LastClientConnectionTime:              sub.lastClientConn,
	}
}
