package config

import (
	"os"

	"github.com/deep-rent/govern/codec"
)

func Load(path string, v any) error {
	c := codec.Infer(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.Decode(data, v)
}

func Save(path string, v any) error {
	c := codec.Infer(path)
	data, err := c.Encode(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
