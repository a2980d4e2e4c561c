// Package extract turns stored CV files into plain text.
//
// Plain text is read directly and DOCX is parsed from word/document.xml.
// PDF and legacy DOC files go through pdftotext and antiword when those
// binaries are installed; otherwise a printable-run scrape of the raw bytes
// is used so processing still produces something for the analyzer.
package extract
