package auth

import (
	"strings"

	"github.com/rollcall/backend/pkg/utils"
)

// Account is an admin login configured through the environment.
type Account struct {
	Email        string
	PasswordHash string
}

// Accounts holds the configured admin logins keyed by lower-cased email.
type Accounts struct {
	byEmail map[string]Account
}

// NewAccounts indexes the given accounts. Entries without a hash are ignored.
func NewAccounts(list ...Account) *Accounts {
	a := &Accounts{byEmail: make(map[string]Account, len(list))}
	for _, acc := range list {
		if acc.Email == "" || acc.PasswordHash == "" {
			continue
		}
		a.byEmail[strings.ToLower(acc.Email)] = acc
	}
	return a
}

// ParseAccounts reads "email:bcrypt-hash" pairs separated by commas.
func ParseAccounts(s string) []Account {
	var out []Account
	for _, pair := range strings.Split(s, ",") {
		email, hash, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok {
			continue
		}
		out = append(out, Account{Email: strings.TrimSpace(email), PasswordHash: strings.TrimSpace(hash)})
	}
	return out
}

// Authenticate returns the account when the password matches.
func (a *Accounts) Authenticate(email, password string) (Account, bool) {
	acc, ok := a.byEmail[strings.ToLower(strings.TrimSpace(email))]
	if !ok || !utils.CheckPassword(password, acc.PasswordHash) {
		return Account{}, false
	}
	return acc, true
}

// Len returns the number of configured accounts.
func (a *Accounts) Len() int { return len(a.byEmail) }
