package scanning

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// mockTranscriber is a mock implementation of Transcriber
type mockTranscriber struct {
	text        string
	err         error
	contentType string
}

func (m *mockTranscriber) Transcribe(_ context.Context, _ []byte, contentType string) (string, error) {
	m.contentType = contentType
	if m.err != nil {
		return "", m.err
	}
	return m.text, nil
}

var _ = Describe("DocumentText", func() {
	var (
		transcriber *mockTranscriber
		extractor   *DocumentText
		data        []byte
		contentType string
		text        string
		err         error
	)

	BeforeEach(func() {
		transcriber = &mockTranscriber{text: "INVOICE 1001"}
		extractor = &DocumentText{Transcriber: transcriber}
	})

	JustBeforeEach(func() {
		text, err = extractor.ExtractText(context.Background(), data, contentType)
	})

	When("the document is plain text", func() {
		BeforeEach(func() {
			data = []byte("Invoice 42\nTotal 10.00")
			contentType = "text/plain; charset=utf-8"
		})

		It("passes it through", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("Invoice 42\nTotal 10.00"))
			Expect(transcriber.contentType).To(BeEmpty())
		})
	})

	When("the document is an image", func() {
		BeforeEach(func() {
			data = []byte("png bytes")
			contentType = "IMAGE/PNG"
		})

		It("transcribes it", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("INVOICE 1001"))
			Expect(transcriber.contentType).To(Equal("image/png"))
		})

		When("transcription fails", func() {
			BeforeEach(func() {
				transcriber.err = errors.New("model offline")
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("model offline")))
			})
		})

		When("no transcriber is configured", func() {
			BeforeEach(func() {
				extractor = &DocumentText{}
			})

			It("returns ErrNoText", func() {
				Expect(err).To(MatchError(ErrNoText))
			})
		})
	})

	When("the PDF cannot be opened", func() {
		BeforeEach(func() {
			data = []byte("not a pdf")
			contentType = "application/pdf"
		})

		It("returns the error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})
