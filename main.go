package main

import (
	"net/http"
	"time"
)

func main() {
	setupLogging()
	initConfig()
	initDB()

	InfoLog.Println("GUILDBYTES BOOT SEQUENCE (V1.2)")
	if Config.APIKey == "" {
		ErrorLog.Fatal("GUILDBYTES_API_KEY is not set; refusing to serve unauthenticated")
	}
	if Config.AdminKey == "" {
		InfoLog.Println("No GUILDBYTES_ADMIN_KEY set; admin endpoints disabled")
	}
	InfoLog.Printf("Bot key fingerprint: %s | TZ: %s", keyFingerprint(Config.APIKey), Config.Timezone)

	if Config.WebhookBase != "" {
		webhookPort = newHTTPWebhook(Config.WebhookBase)
	} else {
		InfoLog.Println("No GUILDBYTES_WEBHOOK_BASE set; beacons will be rejected")
		webhookPort = unavailableWebhook{}
	}

	handler := middlewareSecurity(newMux())
	handler = middlewareCORS(handler)

	server := &http.Server{
		Addr:         Config.Addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	InfoLog.Printf("Listening on %s", Config.Addr)
	if err := server.ListenAndServe(); err != nil {
		ErrorLog.Fatal(err)
	}
}
