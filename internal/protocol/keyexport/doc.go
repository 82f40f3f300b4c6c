// Package keyexport reads and writes passphrase protected room key exports.
//
// The file is the armored base64 (96 character lines) of
//
//	0x01 | salt (16) | iv (16) | rounds (u32 BE) | AES-256-CTR(json) | HMAC-SHA256
//
// The AES and HMAC keys are the two halves of PBKDF2-HMAC-SHA512(passphrase,
// salt, rounds) with a 64 byte output. The HMAC covers every preceding byte.
// The JSON is an array of exported room keys.
package keyexport
