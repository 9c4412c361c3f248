package textseg

import "testing"

// TestSegmentBasic 验证标准切分与偏移。
func TestSegmentBasic(t *testing.T) {
	text := "Sentence one. Sentence two. Sentence three. Sentence four."
	ss := Segment(text)
	if len(ss) != 4 {
		t.Fatalf("expect 4 sentences, got %d", len(ss))
	}
	want := []string{"Sentence one.", "Sentence two.", "Sentence three.", "Sentence four."}
	for i, s := range ss {
		if s.Text != want[i] {
			t.Fatalf("sentence %d: %q != %q", i, s.Text, want[i])
		}
	}
	if ss[0].Start != 0 || ss[0].End != 13 {
		t.Fatalf("offset mismatch: %+v", ss[0])
	}
	// 偏移可恢复：切片与 Text 一致
	rs := []rune(text)
	for _, s := range ss {
		if string(rs[s.Start:s.End]) != s.Text {
			t.Fatalf("offset 不可恢复: %+v", s)
		}
	}
}

// TestSegmentEmpty 空输入与纯空白。
func TestSegmentEmpty(t *testing.T) {
	if got := Segment(""); len(got) != 0 {
		t.Fatalf("empty input should yield none, got %v", got)
	}
	if got := Segment("   \n\t "); len(got) != 0 {
		t.Fatalf("whitespace-only should yield none, got %v", got)
	}
}

// TestSegmentMixedTerminators 验证 ! ? 与连续终止符。
func TestSegmentMixedTerminators(t *testing.T) {
	ss := Segment("Really?! Yes... Done")
	want := []string{"Really?!", "Yes...", "Done"}
	if len(ss) != len(want) {
		t.Fatalf("expect %d, got %d: %v", len(want), len(ss), ss)
	}
	for i := range want {
		if ss[i].Text != want[i] {
			t.Fatalf("sentence %d: %q != %q", i, ss[i].Text, want[i])
		}
	}
}

// TestSegmentNoTrailingTerminator 末句无终止符时止于结尾并去尾空白。
func TestSegmentNoTrailingTerminator(t *testing.T) {
	ss := Segment("First. trailing text  ")
	if len(ss) != 2 {
		t.Fatalf("expect 2, got %d", len(ss))
	}
	if ss[1].Text != "trailing text" {
		t.Fatalf("got %q", ss[1].Text)
	}
}

// TestSegmentInlineDot 句中点号（后无空白）不构成句界。
func TestSegmentInlineDot(t *testing.T) {
	ss := Segment("Version 1.2 shipped. Next up")
	if len(ss) != 2 {
		t.Fatalf("expect 2, got %d: %v", len(ss), ss)
	}
	if ss[0].Text != "Version 1.2 shipped." {
		t.Fatalf("got %q", ss[0].Text)
	}
}

// TestSegmentUnicodeOffsets 多字节文本的 rune 偏移。
func TestSegmentUnicodeOffsets(t *testing.T) {
	text := "你好世界. 第二句!"
	ss := Segment(text)
	if len(ss) != 2 {
		t.Fatalf("expect 2, got %d", len(ss))
	}
	if ss[0].Start != 0 || ss[0].End != 5 {
		t.Fatalf("rune offset mismatch: %+v", ss[0])
	}
	if ss[1].Text != "第二句!" {
		t.Fatalf("got %q", ss[1].Text)
	}
}
