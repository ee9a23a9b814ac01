//go:build !cgo

package store

const mattnAvailable = false
