package accounts

import (
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// Credential is one entry of the credential store
type Credential struct {
	Username string
	Password string
}

// BacklogEntry is a direct message waiting for its recipient to log on
type BacklogEntry struct {
	Sender string
	Text   string
}

// Account holds a registered user's credentials and session state.
// Every field below mu is guarded by it.
type Account struct {
	username string
	password string
	id       uint32

	mu             sync.Mutex
	blocked        bool
	loggedOn       bool
	logTime        time.Time
	failedAttempts int
	blockList      map[string]struct{}
	backlog        Queue[BacklogEntry]
}

func newAccount(id uint32, cred Credential) *Account {
	return &Account{
		username:  cred.Username,
		password:  cred.Password,
		id:        id,
		blockList: make(map[string]struct{}),
	}
}

// Username returns the account's unique name
func (a *Account) Username() string { return a.username }

// ID returns the account's numeric id
func (a *Account) ID() uint32 { return a.id }

// LogTime returns the time of the last successful login (zero if never)
func (a *Account) LogTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logTime
}

// IsLoggedOn reports whether the account currently has a session
func (a *Account) IsLoggedOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggedOn
}

// FailedAttempts returns the number of failed password attempts since the
// last successful login
func (a *Account) FailedAttempts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failedAttempts
}

// isBcryptHash reports whether a stored password is a bcrypt hash
func isBcryptHash(stored string) bool {
	return strings.HasPrefix(stored, "$2a$") ||
		strings.HasPrefix(stored, "$2b$") ||
		strings.HasPrefix(stored, "$2y$")
}

// checkPassword compares a candidate against the stored password.
// Plain entries are compared as cleartext, which is how the credential
// file format has always worked; bcrypt entries are verified as hashes.
func (a *Account) checkPassword(candidate string) bool {
	if isBcryptHash(a.password) {
		return bcrypt.CompareHashAndPassword([]byte(a.password), []byte(candidate)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.password), []byte(candidate)) == 1
}
