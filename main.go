package main

import (
	"log"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"triage-backend/conn"
	"triage-backend/dataset"
	"triage-backend/diagnose"
	"triage-backend/migrations"
	"triage-backend/openai"
	"triage-backend/sessions"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment")
	}

	db, err := conn.NewMySQL()
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	migrations.Init(db)
	if err := migrations.Migrate(); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	loader := dataset.NewLoader(dataset.FindDataDir())
	if ds := loader.Load(); !ds.Loaded {
		log.Println("WARN dataset not loaded; triage will answer in degraded mode")
	} else {
		log.Printf("dataset loaded: %d diseases, %d symptoms", len(ds.Diseases), len(ds.Symptoms))
	}

	ai := openai.NewClient()

	r := gin.Default()
	sessions.NewHandler().RegisterRoutes(r)
	diagnose.NewHandler(loader, migrations.Store{}, ai).RegisterRoutes(r)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	r.Run(":" + port)
}
