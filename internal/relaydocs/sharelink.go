package relaydocs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type shareLinkClaims struct {
	FileID string `json:"fid"`
	jwt.RegisteredClaims
}

// ShareLinks issues and resolves share tokens: signed capabilities naming a
// file whose rights come from the file's ShareLinkSubject record.
type ShareLinks struct {
	secret []byte
	files  FileDao
	shares ShareDao
	now    func() time.Time
}

func NewShareLinks(secret string, files FileDao, shares ShareDao) *ShareLinks {
	return &ShareLinks{secret: []byte(secret), files: files, shares: shares, now: time.Now}
}

// Create returns a token for fileID; ttl <= 0 means it never expires.
func (l *ShareLinks) Create(fileID string, ttl time.Duration) (string, error) {
	if len(l.secret) == 0 {
		return "", fmt.Errorf("%w: share link secret is not configured", ErrInvalidState)
	}
	now := l.now()
	claims := shareLinkClaims{
		FileID: fileID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
}

// Parse returns the file id a token names.
func (l *ShareLinks) Parse(token string) (string, error) {
	if len(l.secret) == 0 {
		return "", fmt.Errorf("%w: share links are disabled", ErrForbidden)
	}
	claims := &shareLinkClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, func(t *jwt.Token) (any, error) {
		return l.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(l.now))
	if err != nil || !parsed.Valid || claims.FileID == "" {
		return "", fmt.Errorf("%w: invalid share token", ErrForbidden)
	}
	return claims.FileID, nil
}

// Check resolves token to its file and reports whether the link grants
// readOnly access (read, review or write) or, when readOnly is false, write
// or review access. An empty token yields a zero File and false.
func (l *ShareLinks) Check(ctx context.Context, token string, readOnly bool) (File, bool, error) {
	if strings.TrimSpace(token) == "" {
		return File{}, false, nil
	}
	fileID, err := l.Parse(token)
	if err != nil {
		return File{}, false, err
	}
	file, err := l.files.GetFile(ctx, fileID)
	if err != nil {
		return File{}, false, err
	}
	level := ShareNone
	records, err := l.shares.GetShares(ctx, fileID)
	if err != nil {
		return File{}, false, err
	}
	for _, r := range records {
		if r.Subject == ShareLinkSubject {
			level = r.Share
		}
	}
	switch level {
	case ShareReadWrite, ShareReview:
		return file.WithAccess(level), true, nil
	case ShareRead:
		if readOnly {
			return file.WithAccess(level), true, nil
		}
		return file, false, nil
	default:
		return File{}, false, fmt.Errorf("%w: share link revoked", ErrForbidden)
	}
}

