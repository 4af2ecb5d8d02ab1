package payments

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"sort"
	"strings"
)

const (
	// FieldSecureHash carries the request signature.
	FieldSecureHash = "vnp_SecureHash"
	// FieldSecureHashType optionally names the signature algorithm and is never signed.
	FieldSecureHashType = "vnp_SecureHashType"
)

const upperHex = "0123456789ABCDEF"

// Sign returns the lower-case hex HMAC-SHA512 of the canonical form of fields.
func Sign(fields map[string]string, secret string) string {
	hashData, _ := canonicalize(fields)
	return hmacSHA512Hex(secret, hashData)
}

// Verify recomputes the signature of fields, ignoring the signature fields themselves,
// and compares it with signature in constant time.
func Verify(fields map[string]string, signature, secret string) bool {
	if secret == "" {
		return false
	}
	supplied, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(supplied) != sha512.Size {
		return false
	}

	unsigned := make(map[string]string, len(fields))
	for name, value := range fields {
		if name == FieldSecureHash || name == FieldSecureHashType {
			continue
		}
		unsigned[name] = value
	}
	hashData, _ := canonicalize(unsigned)
	expected := hmacSHA512(secret, hashData)
	return hmac.Equal(expected, supplied)
}

// SignedQuery encodes fields as a query string and appends the signature over the
// canonical string. It returns the query (without a leading '?') and the signature.
func SignedQuery(fields map[string]string, secret string) (query string, signature string) {
	hashData, encoded := canonicalize(fields)
	signature = hmacSHA512Hex(secret, hashData)
	if encoded == "" {
		return FieldSecureHash + "=" + signature, signature
	}
	return encoded + "&" + FieldSecureHash + "=" + signature, signature
}

// canonicalize drops empty values, sorts by name and returns both the string that is
// signed (name=encode(value)) and the query form (encode(name)=encode(value)).
func canonicalize(fields map[string]string) (hashData string, query string) {
	names := make([]string, 0, len(fields))
	for name, value := range fields {
		if name == "" || value == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var hashBuf, queryBuf strings.Builder
	for i, name := range names {
		value := formEncode(fields[name])
		if i > 0 {
			hashBuf.WriteByte('&')
			queryBuf.WriteByte('&')
		}
		hashBuf.WriteString(name)
		hashBuf.WriteByte('=')
		hashBuf.WriteString(value)

		queryBuf.WriteString(formEncode(name))
		queryBuf.WriteByte('=')
		queryBuf.WriteString(value)
	}
	return hashBuf.String(), queryBuf.String()
}

// formEncode applies UTF-8 form encoding with the gateway's reference alphabet:
// alphanumerics and ".-*_" pass through, space becomes '+', everything else is %XX.
func formEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/2)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
			b.WriteByte(c)
		case c == '.', c == '-', c == '*', c == '_':
			b.WriteByte(c)
		case c == ' ':
			b.WriteByte('+')
		default:
			b.WriteByte('%')
			b.WriteByte(upperHex[c>>4])
			b.WriteByte(upperHex[c&0x0f])
		}
	}
	return b.String()
}

func hmacSHA512(secret, data string) []byte {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func hmacSHA512Hex(secret, data string) string {
	return hex.EncodeToString(hmacSHA512(secret, data))
}
