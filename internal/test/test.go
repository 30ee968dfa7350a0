package test

import (
	crypto_rand "crypto/rand"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/meow-io/go-convo/config"
	db "github.com/meow-io/go-convo/internal/db"
)

func newTag() [8]byte {
	var tag [8]byte
	if _, err := io.ReadFull(crypto_rand.Reader, tag[:]); err != nil {
		panic("short read from random source")
	}
	return tag
}

func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		fileInfo, err := os.Stat(f)
		if err != nil {
			panic(err)
		}

		if fileInfo.IsDir() {
			DeleteAll(path.Join(f, "*"))
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		} else {
			if err := os.Remove(f); err != nil {
				panic(err)
			}
		}
	}
}

func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("*-wal")
	DeleteAll("*-shm")
	DeleteAll("test-*")
	DeleteAll("out.log")
	return c
}

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

// Makes an open database in the working directory which DBCleanup removes.
func NewTestDatabase(c *config.Config) *db.Database {
	tag := newTag()
	d, err := db.NewDatabase(c, fmt.Sprintf("test-%x", tag[:]))
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}

func NewTestConfig(prefix string) *config.Config {
	return config.NewConfig(
		config.WithLoggingPrefix(prefix),
		config.WithIdentityFetchInitialIntervalMs(1),
	)
}
