package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/time/rate"
	"lukechampine.com/blake3"
)

func setupLogging() {
	logDir := "./logs"
	if _, err := os.Stat(logDir); os.IsNotExist(err) {
		os.Mkdir(logDir, 0755)
	}
	fInfo, _ := os.OpenFile(filepath.Join(logDir, "server.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	fErr, _ := os.OpenFile(filepath.Join(logDir, "error.log"), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	InfoLog = log.New(io.MultiWriter(fInfo, os.Stdout), "INFO: ", log.Ldate|log.Ltime|log.Lshortfile)
	ErrorLog = log.New(io.MultiWriter(fErr, os.Stderr), "ERROR: ", log.Ldate|log.Ltime|log.Lshortfile)
}

func initConfig() {
	Config.Addr = DefaultAddr
	if v := os.Getenv("GUILDBYTES_ADDR"); v != "" {
		Config.Addr = v
	}
	Config.DBPath = DefaultDBPath
	if v := os.Getenv("GUILDBYTES_DB_PATH"); v != "" {
		Config.DBPath = v
	}
	Config.APIKey = os.Getenv("GUILDBYTES_API_KEY")
	Config.AdminKey = os.Getenv("GUILDBYTES_ADMIN_KEY")
	Config.WebhookBase = os.Getenv("GUILDBYTES_WEBHOOK_BASE")

	tzName := DefaultTimezone
	if v := os.Getenv("GUILDBYTES_TIMEZONE"); v != "" {
		tzName = v
	}
	loc, err := time.LoadLocation(tzName)
	if err != nil {
		ErrorLog.Printf("bad GUILDBYTES_TIMEZONE %q, falling back to UTC: %v", tzName, err)
		loc = time.UTC
	}
	Config.Timezone = loc
	Config.BeaconLimit = DefaultBeaconLimit
}

// --- Compression (lz4, pooled buffers) ---

func compressLZ4(src []byte) []byte {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)
	zw := lz4.NewWriter(buf)
	zw.Write(src)
	zw.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func decompressLZ4(src []byte) []byte {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)
	zr := lz4.NewReader(bytes.NewReader(src))
	io.Copy(buf, zr)
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out
}

func hashBLAKE3(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// keyMatches compares a presented bearer key against a configured one in
// constant time over blake3 digests, so key length never leaks.
func keyMatches(presented, configured string) bool {
	if configured == "" {
		return false
	}
	a := blake3.Sum256([]byte(presented))
	b := blake3.Sum256([]byte(configured))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// keyFingerprint is the loggable identity of a key. Never log the key.
func keyFingerprint(key string) string {
	return hashBLAKE3([]byte(key))[:12]
}

// --- Request context ---

type ctxKey int

const (
	ctxKeyName ctxKey = iota
	ctxCorrID
)

func keyNameFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyName).(string); ok {
		return v
	}
	return ""
}

func corrIDFrom(ctx context.Context) string {
	if v, ok := ctx.Value(ctxCorrID).(string); ok {
		return v
	}
	return "-"
}

// --- Middleware ---

func getLimiter(ip string) *rate.Limiter {
	ipLock.Lock()
	defer ipLock.Unlock()
	limiter, exists := ipLimiters[ip]
	if !exists {
		// 10 req/s, burst 20: the gateway batches, it does not poll
		limiter = rate.NewLimiter(10, 20)
		ipLimiters[ip] = limiter
	}
	return limiter
}

func middlewareSecurity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, _ := net.SplitHostPort(r.RemoteAddr)
		if !getLimiter(ip).Allow() {
			writeError(w, "-", errCooldown("rate limit exceeded", 1, nowFunc().Unix()+1))
			return
		}

		if r.Method == "OPTIONS" {
			next.ServeHTTP(w, r)
			return
		}

		corrID := newID()[:8]
		ctx := context.WithValue(r.Context(), ctxCorrID, corrID)

		// Every endpoint except OPTIONS requires a bearer key. The
		// admin key implies the bot key's privileges.
		token := bearerToken(r)
		switch {
		case keyMatches(token, Config.AdminKey):
			ctx = context.WithValue(ctx, ctxKeyName, "admin")
		case keyMatches(token, Config.APIKey):
			ctx = context.WithValue(ctx, ctxKeyName, "bot")
		default:
			writeError(w, corrID, &apiError{Code: "auth", Status: 401, Message: "invalid or missing API key"})
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func middlewareCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Content-Encoding")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// requireAdmin gates config writes, adjustments and snapshots.
func requireAdmin(r *http.Request) *apiError {
	if keyNameFrom(r.Context()) != "admin" {
		return &apiError{Code: "auth", Status: 403, Message: "admin key required"}
	}
	return nil
}

// decodeJSON decodes a request body, rejecting unknown fields and bodies
// over 1 MiB. Bulk ingest may send lz4-compressed bodies.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) *apiError {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	raw, err := io.ReadAll(body)
	if err != nil {
		return errValidation("body", "unreadable request body")
	}
	if r.Header.Get("Content-Encoding") == "lz4" {
		raw = decompressLZ4(raw)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errValidation("body", "malformed JSON: "+err.Error())
	}
	return nil
}

// --- Time helpers ---

// guildDate renders t as a calendar date in the guild reference timezone.
func guildDate(t time.Time) string {
	return t.In(Config.Timezone).Format(dateLayout)
}

// previousDate returns the calendar day before a YYYY-MM-DD date.
func previousDate(date string) string {
	t, err := time.ParseInLocation(dateLayout, date, Config.Timezone)
	if err != nil {
		return ""
	}
	return t.AddDate(0, 0, -1).Format(dateLayout)
}

// nextMidnight returns the unix time at which the calendar day after
// date begins, in the guild reference timezone.
func nextMidnight(date string) int64 {
	t, err := time.ParseInLocation(dateLayout, date, Config.Timezone)
	if err != nil {
		return 0
	}
	return t.AddDate(0, 0, 1).Unix()
}
