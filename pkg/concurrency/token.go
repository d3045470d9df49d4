package concurrency

import (
	uuid "github.com/google/uuid"
)

// Token stands in for a transaction inside the lock core. It is a small
// comparable value; the transaction object itself is never referenced.
type Token struct {
	id uuid.UUID
}

// The "no transaction" sentinel a client is bound to before Begin and after Close.
var NoTransaction = Token{}

// Create a token for a new transaction.
func NewToken() Token {
	return Token{id: uuid.New()}
}

// Wrap an existing transaction id.
func TokenFromUUID(id uuid.UUID) Token {
	return Token{id: id}
}

// Get the underlying id.
func (t Token) UUID() uuid.UUID {
	return t.id
}

// Reports whether t is the "no transaction" sentinel.
func (t Token) IsNone() bool {
	return t.id == uuid.Nil
}

func (t Token) String() string {
	if t.IsNone() {
		return "tx(none)"
	}
	return "tx(" + t.id.String() + ")"
}
