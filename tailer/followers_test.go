/*************************************************************************
 * Copyright 2023 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tailer

import (
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

const (
	baseName    string = `testing`
	altBaseName string = `niner`

	movePath string = `/tmp/follower_test.log.tmp`
)

var (
	fstate int64
)

func TestNewFollower(t *testing.T) {
	var clh countingLH
	fname, err := newFileName()
	if err != nil {
		t.Fatal(err)
	}
	fcfg := FollowerConfig{
		BaseName: baseName,
		FilePath: fname,
		State:    &fstate,
		FilterID: 0,
		Handler:  &clh,
	}
	fl, err := NewFollower(fcfg)
	if err != nil {
		cleanFile(fname, t)
		t.Fatal(err)
	}

	if err := fl.Close(); err != nil {
		cleanFile(fname, t)
		t.Fatal(err)
	}

	cleanFile(fname, t)
}

func TestNewStartStop(t *testing.T) {
	var clh countingLH
	fname, err := newFileName()
	if err != nil {
		t.Fatal(err)
	}

	fcfg := FollowerConfig{
		BaseName: baseName,
		FilePath: fname,
		State:    &fstate,
		FilterID: 0,
		Handler:  &clh,
	}
	fl, err := NewFollower(fcfg)
	if err != nil {
		cleanFile(fname, t)
		t.Fatal(err)
	}

	if err := fl.Start(); err != nil {
		cleanFile(fname, t)
		t.Fatal(err)
	}

	if err := fl.Stop(); err != nil {
		cleanFile(fname, t)
		t.Fatal(err)
	}

	if err := fl.Close(); err != nil {
		cleanFile(fname, t)
		t.Fatal(err)
	}

	cleanFile(fname, t)
}

func testStart(b, f string, tlh *trackingLH, fPtr *int64) (fl *follower, err error) {
	fcfg := FollowerConfig{
		BaseName: b,
		FilePath: f,
		State:    fPtr,
		FilterID: 0,
		Handler:  tlh,
	}
	if fl, err = NewFollower(fcfg); err != nil {
		os.RemoveAll(f)
		return
	}

	if err = fl.Start(); err != nil {
		os.RemoveAll(f)
		return
	}
	return
}

func waitForStop(fl *follower, tlh *trackingLH, l int) error {
	//up to 1 second for it to stop
	var i int
	//wait for it to actually quit
	for i = 0; i < 100; i++ {
		if l == len(tlh.mp) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if i >= 100 {
		return errors.New("Timed out while waiting for follower to get all the lines")
	}

	if err := fl.Stop(); err != nil {
		return err
	}
	return nil
}

func TestFeeder(t *testing.T) {
	var tlh trackingLH
	var state int64
	fname, err := newFileName()
	if err != nil {
		t.Fatal(err)
	}
	fl, err := testStart(baseName, fname, &tlh, &state)
	if err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	_, mp, err := writeLines(fname)
	if err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	if err := waitForStop(fl, &tlh, len(mp)); err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	if err := fl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.RemoveAll(fname); err != nil {
		t.Fatal(err)
	}

	for k := range mp {
		if _, ok := tlh.mp[k]; !ok {
			t.Fatal("Failed to get all lines out")
		}
	}
}

func TestMove(t *testing.T) {
	var tlh trackingLH
	var state int64
	fname, err := newFileName()
	if err != nil {
		t.Fatal(err)
	}
	fl, err := testStart(baseName, fname, &tlh, &state)
	if err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	_, mp, err := writeLines(fname)
	if err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	//move the file to /tmp/
	if err := os.Rename(fname, movePath); err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}
	defer os.RemoveAll(movePath)
	time.Sleep(10 * time.Millisecond)

	if err := waitForStop(fl, &tlh, len(mp)); err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	if err := fl.Close(); err != nil {
		t.Fatal(err)
	}
	for k := range mp {
		if _, ok := tlh.mp[k]; !ok {
			t.Fatal("Failed to get all lines out")
		}
	}
}

// TestTruncateRotation exercises the copytruncate rotation path: a file is
// shrunk in place (scenario S1's {message:"D", rotated:true}), and the
// follower must mark the next line it hands to the handler as rotated
// while leaving the pre-rotation lines unmarked.
func TestTruncateRotation(t *testing.T) {
	var tlh trackingLH
	var state int64
	fname, err := newFileName()
	if err != nil {
		t.Fatal(err)
	}
	fl, err := testStart(baseName, fname, &tlh, &state)
	if err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	//a pre-rotation line longer than the post-rotation one, so the tracked
	//offset cannot be satisfied by the post-rotation file size even if the
	//truncate and the following append coalesce into a single fsnotify event
	if err := appendLine(fname, "AAAAAAAAAA"); err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}
	if err := waitForLine(&tlh, "AAAAAAAAAA"); err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	//simulate a copytruncate rotation: the file is truncated to zero length
	//and new content written in its place, all at the same path
	if err := os.Truncate(fname, 0); err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}
	if err := appendLine(fname, "D"); err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}
	if err := waitForLine(&tlh, "D"); err != nil {
		fl.Close()
		os.RemoveAll(fname)
		t.Fatal(err)
	}

	if err := fl.Close(); err != nil {
		os.RemoveAll(fname)
		t.Fatal(err)
	}
	if err := os.RemoveAll(fname); err != nil {
		t.Fatal(err)
	}

	if tlh.rotated["AAAAAAAAAA"] {
		t.Fatal("line written before rotation was marked rotated")
	}
	if !tlh.rotated["D"] {
		t.Fatal("first line written after rotation was not marked rotated")
	}
}

func appendLine(fname, line string) error {
	fout, err := os.OpenFile(fname, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0660)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(fout, "%s\r\n", line); err != nil {
		fout.Close()
		return err
	}
	return fout.Close()
}

func waitForLine(tlh *trackingLH, line string) error {
	for i := 0; i < 100; i++ {
		if _, ok := tlh.mp[line]; ok {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return errors.New("Timed out waiting for line " + line)
}

func newFileName() (string, error) {
	f, name, err := newFile()
	if err != nil {
		return ``, err
	}
	if err := f.Close(); err != nil {
		return ``, err
	}
	return name, nil
}

type countingLH struct {
	testTagger
	cnt int64
}

func (h *countingLH) HandleLog(b []byte, ts time.Time, _ string, _ bool) error {
	if len(b) > 0 && !ts.IsZero() {
		h.cnt++
	}
	return nil
}

type trackingLH struct {
	testTagger
	mp      map[string]time.Time
	rotated map[string]bool
}

func (h *trackingLH) HandleLog(b []byte, ts time.Time, _ string, rotated bool) error {
	if h.mp == nil {
		h.mp = map[string]time.Time{}
	}
	if h.rotated == nil {
		h.rotated = map[string]bool{}
	}
	if len(b) > 0 {
		h.mp[string(b)] = ts
		if rotated {
			h.rotated[string(b)] = true
		}
	}
	return nil
}

type testTagger struct{}

func (tt testTagger) Tag() string {
	return `default`
}
