package storage

import "os"

func osOpenForWrite(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDWR, 0o644)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
