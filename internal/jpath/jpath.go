// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package jpath reads values from generic JSON trees (the result of unmarshalling into map[string]any)
// using simple dotted paths like "notification.attributes".
// All functions are total: a missing key or a value of the wrong type returns the zero value.
package jpath

import "strings"

// Get returns the value at the dotted path, or nil if any segment is missing.
func Get(m map[string]any, path string) any {
	if m == nil {
		return nil
	}
	var current any = m
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[segment]
		if !ok {
			return nil
		}
	}
	return current
}

func GetString(m map[string]any, path string) string {
	s, _ := Get(m, path).(string)
	return s
}

func GetMap(m map[string]any, path string) map[string]any {
	obj, _ := Get(m, path).(map[string]any)
	return obj
}

func GetList(m map[string]any, path string) []any {
	list, _ := Get(m, path).([]any)
	return list
}

// GetListString returns the string elements of the list at path, skipping any non-string element.
func GetListString(m map[string]any, path string) []string {
	list := GetList(m, path)
	if len(list) == 0 {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
