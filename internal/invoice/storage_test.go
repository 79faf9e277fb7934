package invoice

import (
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	BeforeEach(func() {
		tmpDir = GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Save", func() {
		var (
			key       string
			data      []byte
			savedPath string
			err       error
		)

		BeforeEach(func() {
			key = "ab/test-id_invoice.pdf"
			data = []byte("test file content")
		})

		JustBeforeEach(func() {
			savedPath, err = storage.Save(key, data)
		})

		When("saving succeeds", func() {
			It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			It("should return the key", func() {
				Expect(savedPath).To(Equal(key))
			})

			It("should save the file to disk under its directory", func() {
				Expect(filepath.Join(tmpDir, "ab", "test-id_invoice.pdf")).To(BeAnExistingFile())
			})
		})

		When("the key escapes the storage directory", func() {
			BeforeEach(func() {
				key = "../outside.pdf"
			})

			It("returns an error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage key")))
			})

			It("does not write the file", func() {
				Expect(filepath.Join(filepath.Dir(tmpDir), "outside.pdf")).NotTo(BeAnExistingFile())
			})
		})

		When("the key is absolute", func() {
			BeforeEach(func() {
				key = "/etc/invoice.pdf"
			})

			It("returns an error", func() {
				Expect(err).To(MatchError(ContainSubstring("invalid storage key")))
			})
		})
	})

	Describe("Get", func() {
		var (
			key  string
			data []byte
			err  error
		)

		JustBeforeEach(func() {
			data, err = storage.Get(key)
		})

		When("file exists", func() {
			BeforeEach(func() {
				key = "ab/test.pdf"
				_, saveErr := storage.Save(key, []byte("test file content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should return the file data", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("test file content"))
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				key = "nonexistent.pdf"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("reading file")))
			})
		})
	})

	Describe("Delete", func() {
		var (
			key string
			err error
		)

		JustBeforeEach(func() {
			err = storage.Delete(key)
		})

		When("file exists", func() {
			BeforeEach(func() {
				key = "test.pdf"
				_, saveErr := storage.Save(key, []byte("test content"))
				Expect(saveErr).NotTo(HaveOccurred())
			})

			It("should remove the file from disk", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(filepath.Join(tmpDir, key)).NotTo(BeAnExistingFile())
			})

			It("should make the file inaccessible via Get", func() {
				_, getErr := storage.Get(key)
				Expect(getErr).To(HaveOccurred())
			})
		})

		When("file does not exist", func() {
			BeforeEach(func() {
				key = "nonexistent.pdf"
			})

			It("returns the error", func() {
				Expect(err).To(MatchError(ContainSubstring("deleting file")))
			})
		})
	})

	Describe("NewLocalStorage", func() {
		When("directory does not exist", func() {
			It("creates it", func() {
				storagePath := filepath.Join(GinkgoT().TempDir(), "invoices")
				s, err := NewLocalStorage(storagePath)
				Expect(err).NotTo(HaveOccurred())
				Expect(storagePath).To(BeADirectory())

				_, saveErr := s.Save("test.pdf", []byte("data"))
				Expect(saveErr).NotTo(HaveOccurred())
			})
		})
	})
})
