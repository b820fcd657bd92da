package main

import (
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/Brownie44l1/mgmt-api/internal/config"
	"github.com/Brownie44l1/mgmt-api/internal/dicom"
	"github.com/Brownie44l1/mgmt-api/internal/ensemble"
	"github.com/Brownie44l1/mgmt-api/internal/handlers"
	"github.com/Brownie44l1/mgmt-api/internal/model"
	"github.com/Brownie44l1/mgmt-api/internal/volume"
)

func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

func main() {
	configPath := flag.String("config", "", "path to config file (default $MGMT_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Loading %d %s fold models from: %s", cfg.Ensemble.Folds, cfg.Model.Backend, cfg.Model.CheckpointDir)

	loader, release, err := model.NewLoader(cfg.Model.Backend, cfg.Model.CheckpointDir, cfg.Model.Pattern, cfg.Model.Metadata, cfg.Model.Library)
	if err != nil {
		log.Fatalf("Failed to initialize model backend: %v", err)
	}
	defer release()

	models, err := ensemble.LoadModels(loader, cfg.Ensemble.Folds)
	if err != nil {
		log.Fatalf("Failed to load models: %v", err)
	}

	seed := cfg.Ensemble.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	volumes := dicom.NewLoader(dicom.FileDecoder{}, dicom.Options{NumSlices: cfg.Volume.NumSlices, ImgSize: cfg.Volume.ImgSize}, nil)
	engine, err := ensemble.NewEngine(volume.NewAssembler(volumes), ensemble.Context{
		Models: models,
		Passes: cfg.Ensemble.Passes,
		Rand:   rand.New(rand.NewSource(seed)),
	}, nil)
	if err != nil {
		log.Fatalf("Failed to initialize ensemble: %v", err)
	}
	defer engine.Close()

	if err := os.MkdirAll(cfg.Server.UploadDir, 0o755); err != nil {
		log.Fatalf("Failed to create upload dir: %v", err)
	}

	handler := handlers.NewHandler(engine, cfg.Server.UploadDir, cfg.Server.MaxUpload)

	http.HandleFunc("/health", enableCORS(handler.Health))
	http.HandleFunc("/predict", enableCORS(handler.Predict))

	port := cfg.Server.Port

	log.Printf("Server starting on port %s", port)
	log.Printf("Models loaded: %d folds, %d passes each", len(models), cfg.Ensemble.Passes)
	log.Printf("Classes: %v", model.DefaultClasses)
	log.Println("Endpoints:")
	log.Println("  GET /health - Health check")
	log.Println("  POST /predict - Predict from a zipped case folder")
	log.Printf("Upload test: curl -X POST -F \"file=@00001.zip\" http://localhost:%s/predict\n", port)

	if err := http.ListenAndServe(":"+port, nil); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
