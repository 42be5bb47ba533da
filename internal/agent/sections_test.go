package agent

import "testing"

func TestParseSections_ValidAnswer(t *testing.T) {
	text := "===SECTION_START:empathy===고민이 많으시겠어요.===SECTION_END===\n" +
		"===SECTION_START:analysis===성적을 보면 " +
		`<cite data-source="점수 환산 엔진" data-url="">환산 점수는 396.2점</cite>` +
		"입니다.===SECTION_END==="

	sections, err := ParseSections(text)
	if err != nil {
		t.Fatalf("ParseSections: %v", err)
	}
	if len(sections) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(sections))
	}
	if sections[0].Type != "empathy" || sections[1].Type != "analysis" {
		t.Fatalf("section types: %s, %s", sections[0].Type, sections[1].Type)
	}
}

func TestParseSections_RejectsStrayText(t *testing.T) {
	if _, err := ParseSections("인사말\n===SECTION_START:empathy===x===SECTION_END==="); err == nil {
		t.Fatalf("expected error for text before first section")
	}
	if _, err := ParseSections("===SECTION_START:empathy===x===SECTION_END===뒷말"); err == nil {
		t.Fatalf("expected error for text after last section")
	}
}

func TestParseSections_RejectsUnknownTypeAndUnterminated(t *testing.T) {
	if _, err := ParseSections("===SECTION_START:poetry===x===SECTION_END==="); err == nil {
		t.Fatalf("expected error for unknown section type")
	}
	if _, err := ParseSections("===SECTION_START:empathy===x"); err == nil {
		t.Fatalf("expected error for missing end marker")
	}
}

func TestExtractCites_Order(t *testing.T) {
	text := `a <cite data-source="s1" data-url="u1">t1</cite> b ` +
		`<cite data-source="s2" data-url="u2">t2</cite>`
	cites := ExtractCites(text)
	if len(cites) != 2 {
		t.Fatalf("expected 2 cites, got %d", len(cites))
	}
	if cites[0].Source != "s1" || cites[1].URL != "u2" || cites[1].Text != "t2" {
		t.Fatalf("unexpected cites: %+v", cites)
	}
}
