// Package password implements the one-way credential hasher used for
// login passwords. Hashes are argon2id in PHC string format.
package password
