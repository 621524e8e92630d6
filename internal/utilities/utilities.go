package utilities

import (
	"encoding/hex"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var logMu sync.Mutex

// CreateLog guarda una linea con timestamp en dir/prefix_YYYYMMDD.log
func CreateLog(dir, prefix, message string) {
	if dir == "" {
		dir = "logs"
	}
	now := time.Now()
	filename := filepath.Join(dir, prefix+"_"+now.Format("20060102")+".log")

	logMu.Lock()
	defer logMu.Unlock()

	// Crear carpeta si no existe
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Println("Error creando carpeta de logs:", err)
		return
	}

	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		log.Println("Error creando log:", err)
		return
	}
	defer f.Close()

	logLine := now.Format("15:04:05") + " - " + message + "\n"
	if _, err := f.WriteString(logLine); err != nil {
		log.Println("Error escribiendo log:", err)
	}
}

// FrameTracer devuelve un hook que vuelca cada frame en hex al log del dispositivo.
func FrameTracer(dir, deviceID string) func(direction string, frame []byte) {
	return func(direction string, frame []byte) {
		CreateLog(dir, "FRAMES_"+deviceID, direction+" "+hex.EncodeToString(frame))
	}
}
