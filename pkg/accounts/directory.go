package accounts

import (
	"errors"
	"log"
	"time"
)

var (
	ErrAccountBlocked = errors.New("account is blocked")
	ErrAlreadyOn      = errors.New("account is already logged on")
	ErrNoSuchUser     = errors.New("no such user")
	ErrSelfBlock      = errors.New("cannot target own account")
	ErrAlreadyBlocked = errors.New("user is already blocked")
	ErrNotBlocked     = errors.New("user is not blocked")
)

// Directory is the in-memory table of accounts. The set of accounts is
// fixed at construction; per-account state is guarded by each account's lock.
type Directory struct {
	accounts  map[string]*Account
	ordered   []*Account
	startedAt time.Time
	now       func() time.Time
}

// Option configures a Directory
type Option func(*Directory)

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(d *Directory) { d.now = now }
}

// WithStartTime sets the server start time used by ListLoggedOnSince
func WithStartTime(t time.Time) Option {
	return func(d *Directory) { d.startedAt = t }
}

// NewDirectory builds a directory from the credential store. Ids are
// assigned from 1 in input order; a repeated username keeps its first entry.
func NewDirectory(creds []Credential, opts ...Option) *Directory {
	d := &Directory{
		accounts: make(map[string]*Account, len(creds)),
		ordered:  make([]*Account, 0, len(creds)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.startedAt.IsZero() {
		d.startedAt = d.now()
	}

	var nextID uint32 = 1
	for _, cred := range creds {
		if _, dup := d.accounts[cred.Username]; dup {
			log.Printf("Ignoring duplicate credential entry for %q", cred.Username)
			continue
		}
		acct := newAccount(nextID, cred)
		nextID++
		d.accounts[cred.Username] = acct
		d.ordered = append(d.ordered, acct)
	}

	return d
}

// Len returns the number of accounts
func (d *Directory) Len() int { return len(d.ordered) }

// Accounts returns every account in load order
func (d *Directory) Accounts() []*Account {
	return append([]*Account(nil), d.ordered...)
}

// Uptime returns how long the directory has existed
func (d *Directory) Uptime() time.Duration {
	return d.now().Sub(d.startedAt)
}

// Lookup finds an account by exact username
func (d *Directory) Lookup(username string) (*Account, bool) {
	acct, ok := d.accounts[username]
	return acct, ok
}

// AuthenticatePassword reports whether password matches the account's
func (d *Directory) AuthenticatePassword(a *Account, password string) bool {
	return a.checkPassword(password)
}

// RecordFailedAttempt counts a failed password and returns the total since
// the last successful login
func (d *Directory) RecordFailedAttempt(a *Account) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failedAttempts++
	return a.failedAttempts
}

// Block locks the account out. Blocking is permanent for the life of the server.
func (d *Directory) Block(a *Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocked = true
}

// IsBlocked reports whether the account is locked out
func (d *Directory) IsBlocked(a *Account) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocked
}

// LogOn marks the account logged on. The check and the update happen under
// one lock hold, so two racing logins cannot both succeed.
func (d *Directory) LogOn(a *Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.blocked:
		return ErrAccountBlocked
	case a.loggedOn:
		return ErrAlreadyOn
	}

	a.loggedOn = true
	a.logTime = d.now()
	a.failedAttempts = 0
	return nil
}

// LogOff clears the logged on flag
func (d *Directory) LogOff(a *Account) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loggedOn = false
}

// AddBlockRelation makes blocker refuse messages and notifications from victimName
func (d *Directory) AddBlockRelation(blocker *Account, victimName string) error {
	if _, ok := d.accounts[victimName]; !ok {
		return ErrNoSuchUser
	}
	if blocker.username == victimName {
		return ErrSelfBlock
	}

	blocker.mu.Lock()
	defer blocker.mu.Unlock()

	if _, ok := blocker.blockList[victimName]; ok {
		return ErrAlreadyBlocked
	}
	blocker.blockList[victimName] = struct{}{}
	return nil
}

// RemoveBlockRelation undoes AddBlockRelation
func (d *Directory) RemoveBlockRelation(unblocker *Account, victimName string) error {
	if _, ok := d.accounts[victimName]; !ok {
		return ErrNoSuchUser
	}
	if unblocker.username == victimName {
		return ErrSelfBlock
	}

	unblocker.mu.Lock()
	defer unblocker.mu.Unlock()

	if _, ok := unblocker.blockList[victimName]; !ok {
		return ErrNotBlocked
	}
	delete(unblocker.blockList, victimName)
	return nil
}

// IsBlocking reports whether recipient has sender on its block list
func (d *Directory) IsBlocking(recipient *Account, sender string) bool {
	recipient.mu.Lock()
	defer recipient.mu.Unlock()
	_, ok := recipient.blockList[sender]
	return ok
}

// EnqueueBacklog stores a direct message for later delivery
func (d *Directory) EnqueueBacklog(a *Account, sender, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.backlog.Push(BacklogEntry{Sender: sender, Text: text})
}

// BacklogLength returns the number of queued messages
func (d *Directory) BacklogLength(a *Account) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backlog.Len()
}

// PopBacklog removes the oldest queued message
func (d *Directory) PopBacklog(a *Account) (BacklogEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backlog.Pop()
}

// DeliverOrQueue delivers a direct message or stores it, and returns
// whether it was stored. claim runs under the recipient's lock and must not
// block: it reserves the recipient's connection and returns the function
// that writes the message, or nil if the recipient cannot take messages
// now. The write runs after the lock is released; if it fails the message
// is stored after all.
//
// Claiming under the account lock orders deliveries against DrainBacklog:
// a message is either in the backlog before the drain takes it, or claims
// its write after the drain has reserved the connection.
func (d *Directory) DeliverOrQueue(recipient *Account, sender, text string, claim func() (send func() error)) (bool, error) {
	recipient.mu.Lock()
	send := claim()
	if send == nil {
		recipient.backlog.Push(BacklogEntry{Sender: sender, Text: text})
		recipient.mu.Unlock()
		return true, nil
	}
	recipient.mu.Unlock()

	if err := send(); err != nil {
		d.EnqueueBacklog(recipient, sender, text)
		return true, err
	}
	return false, nil
}

// DrainBacklog takes every queued message and calls then before releasing
// the account lock
func (d *Directory) DrainBacklog(a *Account, then func()) []BacklogEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries := a.backlog.PopAll()
	if then != nil {
		then()
	}
	return entries
}

// ListOnlineExcept returns the names of logged on accounts other than a
func (d *Directory) ListOnlineExcept(a *Account) []string {
	names := make([]string, 0)
	for _, acct := range d.ordered {
		if acct == a {
			continue
		}
		if acct.IsLoggedOn() {
			names = append(names, acct.username)
		}
	}
	return names
}

// ListLoggedOnSince returns the names of accounts, other than a, that
// logged on within window. An account qualifies if it has ever logged on
// and either the server itself is younger than window or its last login
// is no older than window. Offline accounts are included.
func (d *Directory) ListLoggedOnSince(a *Account, window time.Duration) []string {
	now := d.now()
	uptime := now.Sub(d.startedAt)

	names := make([]string, 0)
	for _, acct := range d.ordered {
		if acct == a {
			continue
		}

		logTime := acct.LogTime()
		if logTime.IsZero() {
			continue
		}

		if uptime < window || now.Sub(logTime) <= window {
			names = append(names, acct.username)
		}
	}
	return names
}
