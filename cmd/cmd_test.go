// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParseBroker(t *testing.T) {
	Convey("Given a list of broker strings", t, func() {
		tests := []struct {
			in  string
			ok  bool
			out broker
		}{
			{"localhost:1883", true, broker{Address: "localhost:1883"}},
			{"user@localhost:1883", true, broker{Username: "user", Address: "localhost:1883"}},
			{"user:s3cr3t!@broker.example.com:5672", true, broker{Username: "user", Password: "s3cr3t!", Address: "broker.example.com:5672"}},
			{"localhost", false, broker{}},
			{"tcp://localhost:1883", false, broker{}},
		}
		for i, tt := range tests {
			tt := tt
			Convey(fmt.Sprintf("%d: When parsing %q", i, tt.in), func() {
				b, ok := parseBroker(tt.in)
				Convey("Then the result should match", func() {
					So(ok, ShouldEqual, tt.ok)
					So(b, ShouldResemble, tt.out)
				})
			})
		}
	})
}

func TestEnabled(t *testing.T) {
	Convey("When filtering a list with disabled entries", t, func() {
		res := enabled([]string{"disable", "", "localhost:1883"})
		Convey("Only the enabled entries should remain", func() {
			So(res, ShouldResemble, []string{"localhost:1883"})
		})
	})
	Convey("When everything is disabled", t, func() {
		Convey("The result should be empty", func() {
			So(enabled([]string{"disable"}), ShouldBeEmpty)
		})
	})
}
