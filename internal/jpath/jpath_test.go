// Copyright 2023 Jesus Ruiz. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package jpath

import (
	"reflect"
	"testing"

	"github.com/goccy/go-json"
)

const doc = `{
	"description": "Notify me of all product price changes",
	"entities": [{"idPattern": ".*", "type": "Product"}],
	"notification": {
		"attributes": ["price", 3],
		"http": {"url": "http://tutorial:3000/subscription/price-change"}
	}
}`

func TestGetters(t *testing.T) {
	var m map[string]any
	if err := json.Unmarshal([]byte(doc), &m); err != nil {
		t.Fatal(err)
	}

	if got := GetString(m, "notification.http.url"); got != "http://tutorial:3000/subscription/price-change" {
		t.Errorf("GetString() = %q", got)
	}
	if got := GetString(m, "notification.missing.url"); got != "" {
		t.Errorf("GetString() on missing path = %q", got)
	}
	if got := GetString(m, "entities"); got != "" {
		t.Errorf("GetString() on a list = %q", got)
	}
	if got := GetList(m, "entities"); len(got) != 1 {
		t.Errorf("GetList() = %v", got)
	}
	if got := GetMap(m, "notification.http"); got == nil {
		t.Errorf("GetMap() = nil")
	}
	if got := GetListString(m, "notification.attributes"); !reflect.DeepEqual(got, []string{"price"}) {
		t.Errorf("GetListString() = %v", got)
	}
	if got := GetListString(nil, "notification.attributes"); got != nil {
		t.Errorf("GetListString(nil) = %v", got)
	}
}
