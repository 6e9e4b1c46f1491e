package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/argon2"
)

const (
	maxPasswordLength = 1024
	defaultMinVerify  = 350 * time.Millisecond
	hashTimeout       = 5 * time.Second
	saltLen           = 16
	keyLen            = 32
	queueSize         = 4096
)

var (
	errNotStarted = errors.New("hasher not started")
	errStopping   = errors.New("hasher stopping")
	b64           = base64.RawStdEncoding
)

// params are the argon2id cost settings carried in a PHC string.
type params struct {
	mem     uint32
	time    uint32
	threads uint8
}

func (p params) valid() bool {
	return p.time > 0 && p.time <= 1000 && p.mem >= 8 && p.mem <= 2*1024*1024 && p.threads > 0 && p.threads <= 128
}

// phc is a decoded $argon2id$v=..$m=..,t=..,p=..$salt$key string.
type phc struct {
	params
	salt []byte
	key  []byte
}

func (e phc) String() string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, e.mem, e.time, e.threads, b64.EncodeToString(e.salt), b64.EncodeToString(e.key))
}
func parsePHC(s string) (phc, error) {
	var e phc
	fields := strings.Split(s, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != "argon2id" {
		return e, errors.New("not an argon2id hash")
	}
	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return e, errors.New("unsupported argon2 version")
	}
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &e.mem, &e.time, &e.threads); err != nil {
		return e, errors.Wrap(err, "parse argon2 params")
	}
	if !e.params.valid() {
		return e, errors.New("argon2 params out of range")
	}
	var err error
	if e.salt, err = b64.DecodeString(fields[4]); err != nil || len(e.salt) == 0 {
		return e, errors.New("bad salt")
	}
	if e.key, err = b64.DecodeString(fields[5]); err != nil || len(e.key) == 0 || len(e.key) > 256 {
		return e, errors.New("bad key")
	}
	return e, nil
}

type job struct {
	ctx      context.Context
	password string
	out      chan<- result
}
type result struct {
	encoded string
	err     error
}

// Hasher derives peppered argon2id hashes on a fixed pool of workers so that
// a burst of creates cannot run an unbounded number of argon2 passes at once.
type Hasher struct {
	cost      params
	pepper    []byte
	pepperMu  sync.RWMutex
	minVerify time.Duration
	jobs      chan job
	quit      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	started   chan struct{}
	stopOnce  sync.Once
}

func NewHasher(time, memory uint32, parallelism uint8, pepper []byte) (*Hasher, error) {
	switch {
	case len(pepper) < 32:
		return nil, errors.New("pepper must be at least 32 bytes")
	case time == 0 || time > 100:
		return nil, errors.New("iterations must be between 1 and 100")
	case memory < 1024 || memory > 2*1024*1024:
		return nil, errors.New("memory must be between 1024 and 2097152 KiB")
	case parallelism == 0 || parallelism > 128:
		return nil, errors.New("parallelism must be between 1 and 128")
	}
	return &Hasher{
		cost:      params{mem: memory, time: time, threads: parallelism},
		pepper:    append([]byte(nil), pepper...),
		minVerify: defaultMinVerify,
		jobs:      make(chan job, queueSize),
		quit:      make(chan struct{}),
		started:   make(chan struct{}),
	}, nil
}

// SetMinVerifyDuration sets the floor every Verify call is padded to.
// Call it before the hasher is shared.
func (h *Hasher) SetMinVerifyDuration(d time.Duration) {
	h.minVerify = d
}

// Start launches workers goroutines, NumCPU when workers <= 0.
func (h *Hasher) Start(workers int) error {
	err := errors.New("hasher already started")
	h.startOnce.Do(func() {
		if workers <= 0 {
			workers = runtime.NumCPU()
		}
		h.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go h.work()
		}
		close(h.started)
		err = nil
	})
	return err
}

// Stop waits for the workers to exit and wipes the pepper.
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
		h.wg.Wait()
		h.pepperMu.Lock()
		wipe(h.pepper)
		h.pepper = nil
		h.pepperMu.Unlock()
	})
}
func (h *Hasher) work() {
	defer h.wg.Done()
	for {
		select {
		case <-h.quit:
			return
		case j := <-h.jobs:
			if j.ctx.Err() != nil {
				j.out <- result{err: j.ctx.Err()}
				continue
			}
			encoded, err := h.derive(j.password)
			j.out <- result{encoded: encoded, err: err}
		}
	}
}

// Hash returns the PHC encoding of password under the configured cost.
func (h *Hasher) Hash(ctx context.Context, password string) (string, error) {
	select {
	case <-h.started:
	default:
		return "", errNotStarted
	}
	if len(password) > maxPasswordLength {
		return "", errors.New("password too long")
	}
	ctx, cancel := context.WithTimeout(ctx, hashTimeout)
	defer cancel()
	out := make(chan result, 1)
	select {
	case <-h.quit:
		return "", errStopping
	default:
	}
	select {
	case h.jobs <- job{ctx: ctx, password: password, out: out}:
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash queue")
	case <-h.quit:
		return "", errStopping
	}
	select {
	case r := <-out:
		return r.encoded, r.err
	case <-ctx.Done():
		return "", errors.Wrap(ctx.Err(), "hash")
	case <-h.quit:
		return "", errStopping
	}
}
func (h *Hasher) derive(password string) (string, error) {
	peppered, ok := h.pepperize(password)
	if !ok {
		return "", errStopping
	}
	defer wipe(peppered)
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "read salt")
	}
	key := argon2.IDKey(peppered, salt, h.cost.time, h.cost.mem, h.cost.threads, keyLen)
	return phc{params: h.cost, salt: salt, key: key}.String(), nil
}

// Verify reports whether pwd matches encoded and whether encoded was made
// with different cost settings. Malformed hashes never match. Every call is
// padded to the minimum verify duration.
func (h *Hasher) Verify(pwd, encoded string) (match bool, rehash bool, err error) {
	defer h.padFrom(time.Now())
	if len(pwd) > maxPasswordLength {
		h.burn(pwd[:maxPasswordLength])
		return false, false, nil
	}
	stored, perr := parsePHC(encoded)
	if perr != nil {
		h.burn(pwd)
		return false, false, nil
	}
	defer wipe(stored.key)
	peppered, ok := h.pepperize(pwd)
	if !ok {
		return false, false, errStopping
	}
	defer wipe(peppered)
	got := argon2.IDKey(peppered, stored.salt, stored.time, stored.mem, stored.threads, uint32(len(stored.key)))
	defer wipe(got)
	if subtle.ConstantTimeCompare(stored.key, got) != 1 {
		return false, false, nil
	}
	return true, stored.params != h.cost, nil
}

// VerifyAbsent spends the same time as a failed Verify. It is used when there
// is no stored hash to check against so callers cannot tell the cases apart.
func (h *Hasher) VerifyAbsent(pwd string) {
	defer h.padFrom(time.Now())
	if len(pwd) > maxPasswordLength {
		pwd = pwd[:maxPasswordLength]
	}
	h.burn(pwd)
}

// burn runs one derivation at the current cost and throws the result away.
func (h *Hasher) burn(pwd string) {
	peppered, ok := h.pepperize(pwd)
	if !ok {
		return
	}
	wipe(argon2.IDKey(peppered, make([]byte, saltLen), h.cost.time, h.cost.mem, h.cost.threads, keyLen))
	wipe(peppered)
}
func (h *Hasher) padFrom(start time.Time) {
	if rest := h.minVerify - time.Since(start); rest > 0 {
		time.Sleep(rest)
	}
}
func (h *Hasher) pepperize(password string) ([]byte, bool) {
	h.pepperMu.RLock()
	defer h.pepperMu.RUnlock()
	if len(h.pepper) == 0 {
		return nil, false
	}
	mac := hmac.New(sha256.New, h.pepper)
	mac.Write([]byte(password))
	return mac.Sum(nil), true
}
func wipe(b []byte) {
	clear(b)
	runtime.KeepAlive(b)
}
