// Package crypt holds archive decryption keys and the block cipher used for
// encrypted entries.
//
// Encrypted spans are AES-256 in ECB mode, padded to the 16 byte cipher block.
// Keys are looked up by key id; the empty id denotes the embedded key, which
// is resolved lazily through a Resolver the first time it is needed.
package crypt
