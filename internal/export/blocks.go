package export

import (
	"strings"
	"unicode/utf8"

	"github.com/amanullahtanweer/mtranscribe/internal/transcript"
)

const (
	// DefaultChunkSize is Notion's limit of blocks per request.
	DefaultChunkSize = 100

	// maxRichTextLength is Notion's limit for one rich text content string.
	maxRichTextLength = 2000
)

type Block struct {
	Object    string         `json:"object"`
	Type      string         `json:"type"`
	Heading2  *RichTextBlock `json:"heading_2,omitempty"`
	Heading3  *RichTextBlock `json:"heading_3,omitempty"`
	Paragraph *RichTextBlock `json:"paragraph,omitempty"`
}

type RichTextBlock struct {
	RichText []RichText `json:"rich_text"`
}

type RichText struct {
	Type        string       `json:"type"`
	Text        Text         `json:"text"`
	Annotations *Annotations `json:"annotations,omitempty"`
	PlainText   string       `json:"plain_text,omitempty"`
}

type Text struct {
	Content string `json:"content"`
}

type Annotations struct {
	Color string `json:"color,omitempty"`
}

func textSegments(content string) []RichText {
	var segments []RichText
	for content != "" {
		n := len(content)
		if utf8.RuneCountInString(content) > maxRichTextLength {
			n = 0
			for i := 0; i < maxRichTextLength; i++ {
				_, size := utf8.DecodeRuneInString(content[n:])
				n += size
			}
		}
		segments = append(segments, RichText{Type: "text", Text: Text{Content: content[:n]}})
		content = content[n:]
	}
	return segments
}

func heading2(content string) Block {
	return Block{Object: "block", Type: "heading_2", Heading2: &RichTextBlock{RichText: textSegments(content)}}
}

func paragraph(content string) Block {
	return Block{Object: "block", Type: "paragraph", Paragraph: &RichTextBlock{RichText: textSegments(content)}}
}

// TranscriptToBlocks converts a transcript to Notion blocks. The title is not
// included; it becomes the page title.
func TranscriptToBlocks(snap transcript.Snapshot) []Block {
	var blocks []Block

	if strings.TrimSpace(snap.Summary) != "" {
		blocks = append(blocks, heading2("Summary"), paragraph(snap.Summary))
	}
	if strings.TrimSpace(snap.Notes) != "" {
		blocks = append(blocks, heading2("Notes"), paragraph(snap.Notes))
	}

	if len(snap.Turns) > 0 {
		blocks = append(blocks, heading2("Transcript"))

		for _, turn := range snap.Turns {
			content := strings.TrimSpace(turn.Content())
			if content == "" {
				continue
			}

			blocks = append(blocks, Block{
				Object: "block",
				Type:   "heading_3",
				Heading3: &RichTextBlock{RichText: []RichText{
					{Type: "text", Text: Text{Content: turn.Speaker}},
					{Type: "text", Text: Text{Content: " (" + turn.Timestamp.Format("03:04:05 PM") + ")"}, Annotations: &Annotations{Color: "gray"}},
				}},
			})
			blocks = append(blocks, paragraph(content))
		}
	}

	return blocks
}

// ChunkBlocks splits blocks into batches of at most size blocks. A size of
// zero or less uses DefaultChunkSize.
func ChunkBlocks(blocks []Block, size int) [][]Block {
	if size <= 0 {
		size = DefaultChunkSize
	}

	var chunks [][]Block
	for i := 0; i < len(blocks); i += size {
		end := i + size
		if end > len(blocks) {
			end = len(blocks)
		}
		chunks = append(chunks, blocks[i:end])
	}
	return chunks
}
