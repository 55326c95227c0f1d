package store

import (
	"errors"
	"time"

	"pigeon/models"
)

// Domain errors reported back to clients as error-flagged response frames.
var (
	ErrUserExists     = errors.New("user already exists")
	ErrUserNotFound   = errors.New("user not found")
	ErrBadCredentials = errors.New("invalid credentials")
	ErrInboxNotEmpty  = errors.New("undelivered messages still exist")
)

// Store owns all account, inbox and conversation state. Every method is
// atomic with respect to every other; handlers never see the containers
// behind it. Message ids are strictly increasing and never reused, even
// after deletion.
type Store interface {
	// CreateAccount registers a new account with a hashed password and an
	// empty inbox. Fails with ErrUserExists if the username is taken.
	CreateAccount(username, password string) error

	// Authenticate checks a password against the stored hash. Fails with
	// ErrUserNotFound or ErrBadCredentials.
	Authenticate(username, password string) error

	AccountExists(username string) (bool, error)

	// MatchAccounts returns all usernames matching a shell-style glob
	// ("*", "?"). An empty pattern matches everything.
	MatchAccounts(pattern string) ([]string, error)

	// DeleteAccount removes the account and every conversation involving
	// it. Fails with ErrInboxNotEmpty while undelivered messages remain.
	DeleteAccount(username string) error

	// UnreadCount reports the number of pending inbox messages.
	UnreadCount(username string) (int, error)

	// SaveMessage allocates the next message id and appends the message to
	// the canonical-pair conversation. When delivered is false it is also
	// queued into the recipient's inbox.
	SaveMessage(sender, recipient, body string, timestamp time.Time, delivered bool) (models.Message, error)

	// Requeue puts a message saved as delivered back into the recipient's
	// inbox after a failed push.
	Requeue(m models.Message) error

	// DrainInbox atomically removes up to limit (0 = all) inbox entries in
	// FIFO arrival order, marks them delivered and returns them.
	DrainInbox(username string, limit int) ([]models.Message, error)

	// DeleteMessages removes the given ids from the caller's inbox and
	// from every conversation involving the caller. Unknown ids are
	// ignored.
	DeleteMessages(username string, ids []int64) error

	// Conversation returns the full history between the two users in
	// arrival order.
	Conversation(user, other string) ([]models.Message, error)

	Close() error
}
