package main

// Session ids double as the shareable part of the session URL, so instead
// of opaque random strings they are built from three short word lists.
// The id space is small enough that creation has to check for collisions.

import (
	"crypto/rand"
	"log"
)

var nameAdjectives = []string{
	"quick",
	"lazy",
	"big",
	"hungry",
	"escaped",
	"happy",
	"sad",
	"ticklish",
}

var nameAnimals = []string{
	"wombat",
	"alpaca",
	"pliep",
	"roo",
	"kidna",
}

var nameThings = []string{
	"maschine",
	"coop",
	"label",
	"box",
	"thing",
}

func pickWord(words []string) string {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		log.Println("rand.Read error:", err)
		return words[0]
	}
	return words[int(b[0])%len(words)]
}

// randomName returns an adjective-animal-thing identifier.
func randomName() string {
	return pickWord(nameAdjectives) + "-" + pickWord(nameAnimals) + "-" + pickWord(nameThings)
}
