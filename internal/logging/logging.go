package logging

import (
	"log"
	"os"
)

func New() *log.Logger {
	return log.New(os.Stderr, "ptop ", log.LstdFlags|log.LUTC)
}
